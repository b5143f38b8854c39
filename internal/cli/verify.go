package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/lifecycle"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	JSONL   string // verify an exported ledger instead of --db
	Receipt int64  // verify one receipt only
}

// VerifyResult is the outcome of a verify run.
type VerifyResult struct {
	Source  string          `json:"source"`
	OK      bool            `json:"ok"`
	Summary *ledger.Summary `json:"summary,omitempty"`
	Report  *ledger.Report  `json:"report,omitempty"`
	Faults  []ledger.Report `json:"faults,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the receipt chain and its anchors",
		Long: `Verify every receipt: its payload digest, its link to the previous
receipt, sequence continuity, and the Merkle inclusion proof of its anchor
batch.

The ledger is read from --db, or from a JSONL export with --jsonl.

Exit codes:
  0 - Every receipt verified
  1 - At least one receipt failed verification
  2 - Command error (unreadable file, database error, etc.)

Examples:
  govos verify --db ./govos.db
  govos verify --jsonl ./ledger.jsonl --format json
  govos verify --db ./govos.db --receipt 42`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.JSONL, "jsonl", "", "path to a JSONL ledger export")
	cmd.Flags().Int64Var(&opts.Receipt, "receipt", 0, "verify a single receipt id")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	ctx := cmd.Context()
	out := formatter(cmd, opts.RootOptions)

	var (
		l      *ledger.Ledger
		source string
	)
	if opts.JSONL != "" {
		f, err := os.Open(opts.JSONL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open export", err)
		}
		backend, err := ledger.LoadJSONL(f, lifecycle.UniqueKeyOf)
		_ = f.Close()
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load export", err)
		}
		if l, err = ledger.Open(ctx, backend, ledger.WithLogger(logger)); err != nil {
			return WrapExitError(ExitCommandError, "failed to open export", err)
		}
		source = opts.JSONL
	} else {
		sys, err := openSystem(ctx, opts.RootOptions, logger)
		if err != nil {
			return err
		}
		defer closeSystem(sys, logger)
		l = sys.Ledger
		source = opts.Database
	}

	res := VerifyResult{Source: source}
	if opts.Receipt > 0 {
		rep, err := l.Verify(ctx, opts.Receipt)
		if err != nil {
			return out.Fail(ExitCommandError, "verify failed", err)
		}
		res.OK, res.Report = rep.OK, &rep
	} else {
		sum, err := l.VerifyAll(ctx, func(rep ledger.Report) {
			if !rep.OK {
				res.Faults = append(res.Faults, rep)
				out.VerboseLog("receipt %d: %v", rep.ReceiptID, rep.Fault)
			}
		})
		if err != nil {
			return out.Fail(ExitCommandError, "verify failed", err)
		}
		res.OK, res.Summary = sum.OK(), &sum
	}

	if err := out.Emit(res, func(w io.Writer) { printVerify(w, res) }); err != nil {
		return err
	}
	if !res.OK {
		return NewExitError(ExitFailure, "ledger verification failed")
	}
	return nil
}

func printVerify(w io.Writer, res VerifyResult) {
	if res.Report != nil {
		rep := res.Report
		switch {
		case !rep.OK:
			fmt.Fprintf(w, "✗ receipt %d: %v\n", rep.ReceiptID, rep.Fault)
		case rep.Anchored:
			fmt.Fprintf(w, "✓ receipt %d verified, anchored by %d\n", rep.ReceiptID, rep.AnchorID)
		case rep.AnchorID == rep.ReceiptID:
			fmt.Fprintf(w, "✓ anchor %d verified, batch root reproduced\n", rep.ReceiptID)
		default:
			fmt.Fprintf(w, "✓ receipt %d verified, not yet anchored\n", rep.ReceiptID)
		}
		return
	}

	sum := res.Summary
	for _, f := range res.Faults {
		fmt.Fprintf(w, "✗ receipt %d: %v\n", f.ReceiptID, f.Fault)
	}
	fmt.Fprintf(w, "%s: %d receipts, %d verified, %d anchored, %d failed\n",
		res.Source, sum.Total, sum.Verified, sum.Anchored, sum.Failed)
	if res.OK {
		fmt.Fprintln(w, "✓ Chain intact")
	}
}
