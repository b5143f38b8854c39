package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/northstaraokeystone/gov-os/internal/app"
	"github.com/northstaraokeystone/gov-os/internal/reconcile"
)

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [contract-id]",
		Short: "Compare payments against verified milestone progress",
		Long: `Reconcile one contract, or every contract on the ledger, by comparing
actual payments with the spend expected from verified milestones. A
variance receipt is appended for each contract beyond the warning
threshold.

Exit codes:
  0 - Reconciled (variances are reported, not failures)
  2 - Command error or unknown contract

Examples:
  govos reconcile
  govos reconcile C-1 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, rootOpts, func(sys *app.System, out *OutputFormatter) error {
				r, err := sys.Reconciler()
				if err != nil {
					return out.Fail(ExitCommandError, "reconciliation unavailable", err)
				}
				if len(args) == 1 {
					rep, err := r.CheckVariance(cmd.Context(), args[0])
					if err != nil {
						return out.Fail(ExitCommandError, "reconcile failed", err)
					}
					return out.Emit(rep, func(w io.Writer) { printContractReport(w, rep) })
				}
				rep, err := r.Report(cmd.Context())
				if err != nil {
					return out.Fail(ExitCommandError, "reconcile failed", err)
				}
				return out.Emit(rep, func(w io.Writer) {
					for _, c := range rep.Contracts {
						printContractReport(w, c)
					}
					fmt.Fprintf(w, "\nSummary: %d contracts, %d over threshold\n",
						rep.TotalContracts, rep.OverThreshold)
				})
			})
		},
	}
}

func printContractReport(w io.Writer, rep reconcile.ContractReport) {
	mark := "✓"
	if rep.Flagged() {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s  %s  progress %.0f%%  expected %.2f  actual %.2f  variance %+.1f%%",
		mark, rep.ContractID, rep.Status, rep.Progress*100, rep.Expected, rep.Actual, rep.Variance*100)
	if rep.Severity != "" {
		fmt.Fprintf(w, "  [%s, receipt %d]", rep.Severity, rep.ReceiptID)
	}
	fmt.Fprintln(w)
}
