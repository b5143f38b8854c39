package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/northstaraokeystone/gov-os/internal/explain"
	"github.com/northstaraokeystone/gov-os/internal/ledger"
	"github.com/northstaraokeystone/gov-os/internal/scoring"
	"github.com/northstaraokeystone/gov-os/internal/stoprule"
)

// ScoreOptions holds flags for the score command.
type ScoreOptions struct {
	*RootOptions
	Domain   string
	Query    QueryOptions
	NoRecord bool
}

// ScoreOutput is the result of the score command.
type ScoreOutput struct {
	Result      scoring.ScoreResult `json:"result"`
	Explanation string              `json:"explanation"`
	DetectionID int64               `json:"detection_receipt_id,omitempty"`
	AnomalyID   int64               `json:"anomaly_receipt_id,omitempty"`
}

// NewScoreCommand creates the score command.
func NewScoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScoreOptions{RootOptions: rootOpts}
	opts.Query.RootOptions = rootOpts

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a domain's receipts for templated activity",
		Long: `Score the receipts of one domain, as of the last anchor, by how well they
compress against each other. A detection receipt is appended unless
--no-record is given, and an anomaly receipt too when the cohort is flagged.

Exit codes:
  0 - Scored (whatever the verdict)
  1 - A Critical stoprule halted recording
  2 - Command error, or too few receipts to score

Examples:
  govos score --domain procurement --prefix C-
  govos score --domain grants --type milestone --no-record --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Domain, "domain", "", "domain to score (required)")
	cmd.Flags().StringSliceVar(&opts.Query.Types, "type", nil, "receipt types in the cohort (repeatable)")
	cmd.Flags().StringVar(&opts.Query.Entity, "entity", "", "exact entity id")
	cmd.Flags().StringVar(&opts.Query.Prefix, "prefix", "", "entity id prefix")
	cmd.Flags().StringVar(&opts.Query.From, "from", "", "earliest timestamp (RFC 3339, inclusive)")
	cmd.Flags().StringVar(&opts.Query.To, "to", "", "latest timestamp (RFC 3339, exclusive)")
	cmd.Flags().BoolVar(&opts.NoRecord, "no-record", false, "do not append detection receipts")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

// segment builds the scoring segment selected by the flags.
func (o *ScoreOptions) segment(reference bool) (scoring.Segment, error) {
	f, err := o.Query.filter()
	if err != nil {
		return scoring.Segment{}, err
	}
	return scoring.Segment{Domain: o.Domain, Filter: f, Reference: reference}, nil
}

func runScore(opts *ScoreOptions, cmd *cobra.Command) error {
	seg, err := opts.segment(false)
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
	p, err := sys.Pipeline()
	if err != nil {
		return out.Fail(ExitCommandError, "scoring unavailable", err)
	}
	res, err := p.ScoreSegment(ctx, seg)
	if err != nil {
		return out.Fail(ExitCommandError, "score failed", err)
	}

	result := ScoreOutput{Result: res}
	if !opts.NoRecord {
		rec, err := p.Record(ctx, res)
		if err != nil {
			return out.Fail(haltExitCode(err), "recording failed", err)
		}
		result.Result = rec.Result
		result.DetectionID = rec.Detection.ID
		if rec.Anomaly != nil {
			result.AnomalyID = rec.Anomaly.ID
		}
	}
	result.Explanation = explain.Default().Explain(result.Result)

	return out.Emit(result, func(w io.Writer) {
		fmt.Fprint(w, result.Explanation)
		if result.DetectionID > 0 {
			fmt.Fprintf(w, "detection receipt %d", result.DetectionID)
			if result.AnomalyID > 0 {
				fmt.Fprintf(w, ", anomaly receipt %d", result.AnomalyID)
			}
			fmt.Fprintln(w)
		}
	})
}

// haltExitCode is ExitFailure for integrity faults and stoprule halts.
func haltExitCode(err error) int {
	if ledger.IsChainIntegrityError(err) || stoprule.IsHaltError(err) {
		return ExitFailure
	}
	return ExitCommandError
}
