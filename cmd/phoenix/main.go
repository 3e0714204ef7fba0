// Command phoenix runs the decision-arbitration and self-healing core.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is swapped out by tests.
var startServer = runServe

type command struct {
	name    string
	group   string
	summary string
	run     func(args []string, stdout, stderr io.Writer) int
}

func commands() []command {
	return []command{
		{"serve", "SERVER", "Run the control plane (default)", func(a []string, o, e io.Writer) int { return startServer(a, o, e) }},
		{"evaluate", "POLICY", "Scan text or an action against the axioms (--text, --action, --json)", runEvaluateCmd},
		{"axioms", "POLICY", "List the axiom registry (--policy, --json)", runAxiomsCmd},
		{"keygen", "OPERATORS", "Generate a random signing secret", func(_ []string, o, e io.Writer) int { return runKeygenCmd(o, e) }},
		{"token", "OPERATORS", "Mint an operator token (--subject, --ttl)", runTokenCmd},
		{"export", "OPERATORS", "Export the audit chain (--sqlite|--database-url, --out|--s3-bucket|--gcs-bucket)", runExportCmd},
	}
}

// Run dispatches args[1] and returns the process exit code. With no command,
// or with only flags, it serves.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}
	if strings.HasPrefix(args[1], "-") && !isHelp(args[1]) {
		return startServer(args[1:], stdout, stderr)
	}
	name, rest := args[1], args[2:]
	if name == "server" {
		name = "serve"
	}
	if isHelp(name) {
		printUsage(stdout)
		return 0
	}
	for _, c := range commands() {
		if c.name == name {
			return c.run(rest, stdout, stderr)
		}
	}
	_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", name)
	printUsage(stderr)
	return 2
}

func isHelp(arg string) bool {
	return arg == "help" || arg == "--help" || arg == "-h"
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
	colorDim   = "\033[2m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "\n%sphoenix%s  %sH0 blocks. Everything else is weighed.%s\n\n", colorBold, colorReset, colorDim, colorReset)
	_, _ = fmt.Fprintf(w, "usage: phoenix <command> [flags]\n")
	group := ""
	for _, c := range commands() {
		if c.group != group {
			group = c.group
			_, _ = fmt.Fprintf(w, "\n%s%s%s\n", colorCyan, group, colorReset)
		}
		_, _ = fmt.Fprintf(w, "  %s%-9s%s %s\n", colorGreen, c.name, colorReset, c.summary)
	}
	_, _ = fmt.Fprintf(w, "\n  %s%-9s%s %s\n\n", colorGreen, "help", colorReset, "Show this help")
}
