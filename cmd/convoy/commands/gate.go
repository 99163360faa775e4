package commands

import (
	"encoding/json"
	"fmt"

	"github.com/dyluth/convoy/internal/printer"
	"github.com/dyluth/convoy/internal/trigger"
	"github.com/spf13/cobra"
)

var (
	gateEvent  eventFlags
	gateOutput string
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Show whether an event would start a release run",
	Long: `Evaluate the trigger gate for an event without running anything.

Examples:
  # Check a recorded push payload
  convoy gate --event push.json

  # Check a manual dispatch on an alpha branch
  convoy gate --ref alpha-2 --mode restricted

  # Would pushing the checked-out commit start a release?
  convoy gate --push`,
	Args: cobra.NoArgs,
	RunE: runGate,
}

func init() {
	gateEvent.register(gateCmd)
	gateCmd.Flags().StringVarP(&gateOutput, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(gateCmd)
}

// gateResult is the JSON shape of a gate decision
type gateResult struct {
	Proceed bool   `json:"proceed"`
	Reason  string `json:"reason,omitempty"`
	Kind    string `json:"kind"`
	Ref     string `json:"ref"`
	Class   string `json:"class"`
	Mode    string `json:"mode,omitempty"`
	Public  bool   `json:"public_registry"`
	Draft   bool   `json:"draft"`
}

func runGate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ev, err := gateEvent.event(cmd.Context(), cfg, "")
	if err != nil {
		return printer.Error("invalid event", err.Error(), nil)
	}

	d := trigger.Evaluate(ev, trigger.GateConfig{Owner: cfg.Trigger.Owner, ReleaseMarker: cfg.Trigger.ReleaseMarker})
	policy := trigger.PolicyFor(d.Class)
	res := gateResult{
		Proceed: d.Proceed,
		Reason:  d.Reason,
		Kind:    string(d.Kind),
		Ref:     d.Ref,
		Class:   d.Class.String(),
		Mode:    d.Mode,
		Public:  policy.PublicRegistry,
		Draft:   policy.Draft,
	}

	out := cmd.OutOrStdout()
	switch gateOutput {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "default":
	default:
		return printer.Error("invalid output format", fmt.Sprintf("Unknown format: %s", gateOutput), []string{"Valid formats: default, json"})
	}

	if !d.Proceed {
		printer.Warning("Event skipped: %s\n", d.Reason)
		return nil
	}
	printer.Success("Event starts a %s run on %s (class: %s)\n", d.Kind, trigger.BranchName(d.Ref), res.Class)
	if d.Mode != "" {
		printer.Info("  mode:            %s\n", d.Mode)
	}
	printer.Info("  public registry: %t\n", res.Public)
	printer.Info("  draft release:   %t\n", res.Draft)
	return nil
}
