package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/scanner"
)

// runEvaluateCmd implements `phoenix evaluate`.
//
// Exit codes:
//
//	0 = no H0/H1 violation
//	1 = blocked
//	2 = usage or runtime error
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		text       string
		action     string
		actionFile string
		policy     string
		tools      string
		jsonOutput bool
	)
	cmd.StringVar(&text, "text", "", "Text to scan")
	cmd.StringVar(&action, "action", "", "Action request as JSON")
	cmd.StringVar(&actionFile, "action-file", "", "Path to an action request JSON file")
	cmd.StringVar(&policy, "policy", os.Getenv("PHOENIX_POLICY_FILE"), "Policy file (default: built-in)")
	cmd.StringVar(&tools, "allowed-tools", "", "Comma-separated tools the requester may use")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if text == "" && cmd.NArg() > 0 {
		text = strings.Join(cmd.Args(), " ")
	}
	if actionFile != "" {
		data, err := os.ReadFile(actionFile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		action = string(data)
	}
	if text == "" && action == "" {
		_, _ = fmt.Fprintln(stderr, "Error: specify --text, --action or --action-file")
		return 2
	}

	reg, err := loadRegistry(policy)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load policy: %v\n", err)
		return 2
	}
	sc, err := scanner.New(reg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	in := scanner.Input{Text: text}
	if action != "" {
		var req contracts.ActionRequest
		if err := json.Unmarshal([]byte(action), &req); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid action JSON: %v\n", err)
			return 2
		}
		in.Action = &req
	}
	var scanCtx scanner.ScanContext
	if tools != "" {
		for _, t := range strings.Split(tools, ",") {
			scanCtx.AllowedTools = append(scanCtx.AllowedTools, strings.TrimSpace(t))
		}
	}

	res := sc.Scan(context.Background(), in, scanCtx)
	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	} else {
		printScan(stdout, res)
	}
	if !res.CanProceed {
		return 1
	}
	return 0
}

func printScan(w io.Writer, res scanner.ScanResult) {
	verdict := colorGreen + "PROCEED" + colorReset
	if !res.CanProceed {
		verdict = colorBold + colorRed + "BLOCKED" + colorReset
	}
	fmt.Fprintf(w, "%s  risk=%.2f  violations=%d\n", verdict, res.RiskScore, len(res.Violations))
	for _, v := range res.Violations {
		fmt.Fprintf(w, "  [%s/%s] %s: %s\n", v.Tier, v.Severity, v.AxiomID, v.Description)
	}
}
