package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/northstaraokeystone/gov-os/internal/ir"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
)

// AnchorOptions holds flags for the anchor command.
type AnchorOptions struct {
	*RootOptions
	Batch int
}

// NewAnchorCommand creates the anchor command.
func NewAnchorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AnchorOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Anchor unanchored receipts under a Merkle root",
		Long: `Compute the Merkle root over the receipts appended since the last anchor
and append an anchor receipt carrying it.

Exit codes:
  0 - Anchor appended
  2 - Nothing to anchor, or a command error

Examples:
  govos anchor --db ./govos.db
  govos anchor --db ./govos.db --batch 1000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
			sys, err := openSystem(cmd.Context(), opts.RootOptions, logger)
			if err != nil {
				return err
			}
			defer closeSystem(sys, logger)

			out := formatter(cmd, opts.RootOptions)
			info, err := sys.Ledger.Anchor(cmd.Context(), opts.Batch)
			if err != nil {
				return out.Fail(ExitCommandError, "anchor failed", err)
			}
			return out.Emit(info, func(w io.Writer) {
				fmt.Fprintf(w, "✓ anchor %d: receipts %d..%d (%d), root %s\n",
					info.ReceiptID, info.FirstID, info.LastID, info.Count, info.Root)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Batch, "batch", 0, "maximum receipts per anchor (0 = all unanchored)")

	return cmd
}

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Types  []string
	Entity string
	Prefix string
	From   string
	To     string
	After  int64
	Limit  int
	Verify bool
}

// filter converts the flags to a ledger filter.
func (o *QueryOptions) filter() (ledger.Filter, error) {
	f := ledger.Filter{
		EntityID:     o.Entity,
		EntityPrefix: o.Prefix,
		AfterID:      o.After,
		Limit:        o.Limit,
	}
	for _, t := range o.Types {
		rt := ir.ReceiptType(t)
		if !rt.Valid() {
			return f, fmt.Errorf("unknown receipt type %q", t)
		}
		f.Types = append(f.Types, rt)
	}
	var err error
	if o.From != "" {
		if f.From, err = time.Parse(time.RFC3339Nano, o.From); err != nil {
			return f, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if o.To != "" {
		if f.To, err = time.Parse(time.RFC3339Nano, o.To); err != nil {
			return f, fmt.Errorf("invalid --to: %w", err)
		}
	}
	return f, nil
}

// QueryRow is one receipt of query output.
type QueryRow struct {
	ir.Record
	Verification *ledger.Report `json:"verification,omitempty"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List receipts in chain order",
		Long: `List receipts matching the given filters, in chain order.

With --verify each receipt is checked as it is listed, and the command
exits 1 if any fails.

Exit codes:
  0 - Success
  1 - A listed receipt failed verification
  2 - Command error

Examples:
  govos query --type payment --prefix C-1
  govos query --after 100 --limit 50 --format json
  govos query --entity C-1/M1 --verify`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "receipt types to include (repeatable)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "exact entity id")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "entity id prefix")
	cmd.Flags().StringVar(&opts.From, "from", "", "earliest timestamp (RFC 3339, inclusive)")
	cmd.Flags().StringVar(&opts.To, "to", "", "latest timestamp (RFC 3339, exclusive)")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only receipts after this id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum receipts (0 = no limit)")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "verify each receipt")

	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	f, err := opts.filter()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	ctx := cmd.Context()
	sys, err := openSystem(ctx, opts.RootOptions, logger)
	if err != nil {
		return err
	}
	defer closeSystem(sys, logger)

	out := formatter(cmd, opts.RootOptions)
	rows := []QueryRow{}
	failed := 0
	if opts.Verify {
		for v, err := range sys.Ledger.QueryVerified(ctx, f) {
			if err != nil {
				return out.Fail(ExitCommandError, "query failed", err)
			}
			if !v.Report.OK {
				failed++
			}
			rows = append(rows, QueryRow{Record: v.Receipt.ToRecord(), Verification: &v.Report})
		}
	} else {
		for r, err := range sys.Ledger.Query(ctx, f) {
			if err != nil {
				return out.Fail(ExitCommandError, "query failed", err)
			}
			rows = append(rows, QueryRow{Record: r.ToRecord()})
		}
	}

	if err := out.Emit(rows, func(w io.Writer) { printRows(w, rows) }); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d receipt(s) failed verification", failed))
	}
	return nil
}

func printRows(w io.Writer, rows []QueryRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No receipts.")
		return
	}
	for _, row := range rows {
		mark := ""
		if v := row.Verification; v != nil {
			switch {
			case !v.OK:
				mark = fmt.Sprintf("  ✗ %v", v.Fault)
			case v.Anchored:
				mark = fmt.Sprintf("  ✓ anchored@%d", v.AnchorID)
			default:
				mark = "  ✓"
			}
		}
		fmt.Fprintf(w, "%6d  %s  %-11s %s%s\n",
			row.ID, row.Timestamp, row.Type, row.EntityID, mark)
	}
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Out string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the ledger as JSON lines",
		Long: `Write every receipt as one JSON object per line, in chain order.
The export can be verified offline with "govos verify --jsonl".

Examples:
  govos export --db ./govos.db > ledger.jsonl
  govos export --db ./govos.db --out ledger.jsonl`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output file (default stdout)")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) (err error) {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	sys, err := openSystem(cmd.Context(), opts.RootOptions, logger)
	if err != nil {
		return err
	}
	defer closeSystem(sys, logger)

	w := cmd.OutOrStdout()
	if opts.Out != "" {
		f, cerr := os.Create(opts.Out)
		if cerr != nil {
			return WrapExitError(ExitCommandError, "failed to create export file", cerr)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = WrapExitError(ExitCommandError, "failed to close export file", cerr)
			}
		}()
		w = f
	}

	n, err := sys.Ledger.ExportJSONL(cmd.Context(), w)
	if err != nil {
		return WrapExitError(ExitCommandError, "export failed", err)
	}
	logger.Debug("ledger exported", "receipts", n)
	if opts.Out != "" {
		out := formatter(cmd, opts.RootOptions)
		return out.Emit(map[string]any{"path": opts.Out, "receipts": n}, func(w io.Writer) {
			fmt.Fprintf(w, "✓ exported %d receipts to %s\n", n, opts.Out)
		})
	}
	return nil
}
