package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// runAxiomsCmd implements `phoenix axioms`.
func runAxiomsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("axioms", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	policy := cmd.String("policy", os.Getenv("PHOENIX_POLICY_FILE"), "Policy file (default: built-in)")
	jsonOutput := cmd.Bool("json", false, "Output the registry as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	reg, err := loadRegistry(*policy)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load policy: %v\n", err)
		return 2
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"version": reg.Version(), "axioms": reg.All()})
		return 0
	}

	fmt.Fprintf(stdout, "%spolicy %s%s  (%d axioms, total weight %.0f)\n\n", colorBold, reg.Version(), colorReset, reg.Len(), reg.TotalWeight())
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tID\tWEIGHT\tNAME")
	for _, a := range reg.All() {
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%s\n", a.Tier, a.ID, a.Weight, a.Name)
	}
	_ = tw.Flush()
	return 0
}
