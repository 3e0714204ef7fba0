package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/api"
)

// runKeygenCmd prints a random 32-byte secret for PHOENIX_SIGNING_SECRET or
// PHOENIX_ADMIN_JWT_SECRET.
func runKeygenCmd(stdout, stderr io.Writer) int {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, hex.EncodeToString(buf))
	return 0
}

// runTokenCmd mints an operator token signed with PHOENIX_ADMIN_JWT_SECRET.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	subject := cmd.String("subject", "", "Operator id (REQUIRED)")
	ttl := cmd.Duration("ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}
	secret := os.Getenv("PHOENIX_ADMIN_JWT_SECRET")
	if secret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: PHOENIX_ADMIN_JWT_SECRET is not set")
		return 2
	}
	tok, err := api.IssueAdminToken([]byte(secret), *subject, *ttl, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
