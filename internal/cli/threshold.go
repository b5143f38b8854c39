package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/northstaraokeystone/gov-os/internal/app"
	"github.com/northstaraokeystone/gov-os/internal/calibration"
	"github.com/northstaraokeystone/gov-os/internal/scoring"
)

// ThresholdView is a domain's threshold as printed by the threshold
// commands. Default is set when the domain has no stored entry.
type ThresholdView struct {
	calibration.Threshold
	Default bool `json:"default,omitempty"`
}

// NewThresholdCommand creates the threshold command group.
func NewThresholdCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threshold",
		Short: "Inspect and calibrate per-domain compression thresholds",
		Long: `Inspect and adjust the compression threshold of each scoring domain.

Reporting outcomes moves a domain's fitness; a domain whose fitness falls
below zero is pruned and scored with the default threshold until it is
reinstated.

Examples:
  govos threshold list
  govos threshold set procurement 0.55
  govos threshold outcome procurement --correct=false
  govos threshold calibrate procurement --prefix REF-`,
	}

	cmd.AddCommand(
		newThresholdListCommand(rootOpts),
		newThresholdGetCommand(rootOpts),
		newThresholdSetCommand(rootOpts),
		newThresholdOutcomeCommand(rootOpts),
		newThresholdCalibrateCommand(rootOpts),
		newThresholdReinstateCommand(rootOpts),
	)
	return cmd
}

// withSystem opens the --db system, runs fn and closes the system again.
func withSystem(cmd *cobra.Command, opts *RootOptions, fn func(sys *app.System, out *OutputFormatter) error) error {
	logger := newLogger(opts, cmd.ErrOrStderr())
	sys, err := openSystem(cmd.Context(), opts, logger)
	if err != nil {
		return err
	}
	defer closeSystem(sys, logger)
	return fn(sys, formatter(cmd, opts))
}

func view(s *calibration.Store, domain string) ThresholdView {
	if t, ok := s.Get(domain); ok {
		return ThresholdView{Threshold: t}
	}
	return ThresholdView{
		Threshold: calibration.Threshold{DomainID: domain, CompressionThreshold: s.DefaultThreshold()},
		Default:   true,
	}
}

func printThreshold(w io.Writer, v ThresholdView) {
	status := ""
	switch {
	case v.Default:
		status = " (default)"
	case v.Pruned:
		status = " (pruned)"
	}
	fmt.Fprintf(w, "%-20s threshold %.3f  fitness %+.3f  samples %d (%d correct, %d incorrect)%s\n",
		v.DomainID, v.CompressionThreshold, v.FitnessScore,
		v.SampleCount, v.CorrectCount, v.IncorrectCount, status)
	if !v.LastCalibratedAt.IsZero() {
		fmt.Fprintf(w, "%-20s calibrated %s\n", "", v.LastCalibratedAt.Format(time.RFC3339))
	}
}

func emitThreshold(out *OutputFormatter, v ThresholdView) error {
	return out.Emit(v, func(w io.Writer) { printThreshold(w, v) })
}

func newThresholdListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List stored thresholds",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, opts, func(sys *app.System, out *OutputFormatter) error {
				all := sys.Thresholds.All()
				views := make([]ThresholdView, len(all))
				for i, t := range all {
					views[i] = ThresholdView{Threshold: t}
				}
				data := map[string]any{
					"default_threshold": sys.Thresholds.DefaultThreshold(),
					"thresholds":        views,
				}
				return out.Emit(data, func(w io.Writer) {
					fmt.Fprintf(w, "default threshold %.3f\n", sys.Thresholds.DefaultThreshold())
					for _, v := range views {
						printThreshold(w, v)
					}
				})
			})
		},
	}
}

func newThresholdGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <domain>",
		Short:         "Show a domain's threshold",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, opts, func(sys *app.System, out *OutputFormatter) error {
				return emitThreshold(out, view(sys.Thresholds, args[0]))
			})
		},
	}
}

func newThresholdSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "set <domain> <threshold>",
		Short:         "Set a domain's threshold",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid threshold", err)
			}
			return withSystem(cmd, opts, func(sys *app.System, out *OutputFormatter) error {
				t, err := sys.Thresholds.SetThreshold(cmd.Context(), args[0], v)
				if err != nil {
					return out.Fail(ExitCommandError, "set threshold failed", err)
				}
				return emitThreshold(out, ThresholdView{Threshold: t})
			})
		},
	}
}

func newThresholdOutcomeCommand(opts *RootOptions) *cobra.Command {
	var (
		correct bool
		count   int
	)
	cmd := &cobra.Command{
		Use:           "outcome <domain>",
		Short:         "Report whether a domain's detections were correct",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return NewExitError(ExitCommandError, "--count must be at least 1")
			}
			return withSystem(cmd, opts, func(sys *app.System, out *OutputFormatter) error {
				t, err := sys.Thresholds.ReportOutcomes(cmd.Context(), args[0], correct, count)
				if err != nil {
					return out.Fail(ExitCommandError, "report outcome failed", err)
				}
				return emitThreshold(out, ThresholdView{Threshold: t})
			})
		},
	}
	cmd.Flags().BoolVar(&correct, "correct", true, "whether the detections were correct")
	cmd.Flags().IntVar(&count, "count", 1, "number of detections with this outcome")
	return cmd
}

func newThresholdCalibrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScoreOptions{RootOptions: rootOpts}
	opts.Query.RootOptions = rootOpts

	cmd := &cobra.Command{
		Use:   "calibrate <domain>",
		Short: "Calibrate a domain's threshold from known templated receipts",
		Long: `Calibrate a domain's threshold from a reference segment: receipts known
to be templated activity. The threshold becomes the 90th percentile of
their windowed compression ratios, and a calibration receipt is appended.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Domain = args[0]
			seg, err := opts.segment(true)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid filter", err)
			}
			return withSystem(cmd, rootOpts, func(sys *app.System, out *OutputFormatter) error {
				p, err := sys.Pipeline()
				if err != nil {
					return out.Fail(ExitCommandError, "scoring unavailable", err)
				}
				pass, err := p.Pass(cmd.Context(), []scoring.Segment{seg})
				if err != nil {
					return out.Fail(haltExitCode(err), "calibration failed", err)
				}
				if len(pass.Calibrated) == 0 {
					return out.Fail(ExitCommandError, "calibration failed",
						fmt.Errorf("no receipts in the reference segment for %q", seg.Domain))
				}
				return emitThreshold(out, ThresholdView{Threshold: pass.Calibrated[0]})
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.Query.Types, "type", nil, "receipt types in the reference segment (repeatable)")
	cmd.Flags().StringVar(&opts.Query.Entity, "entity", "", "exact entity id")
	cmd.Flags().StringVar(&opts.Query.Prefix, "prefix", "", "entity id prefix")
	cmd.Flags().StringVar(&opts.Query.From, "from", "", "earliest timestamp (RFC 3339, inclusive)")
	cmd.Flags().StringVar(&opts.Query.To, "to", "", "latest timestamp (RFC 3339, exclusive)")

	return cmd
}

func newThresholdReinstateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "reinstate <domain>",
		Short:         "Reinstate a pruned domain",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, opts, func(sys *app.System, out *OutputFormatter) error {
				t, err := sys.Thresholds.Reinstate(cmd.Context(), args[0])
				if err != nil {
					return out.Fail(ExitCommandError, "reinstate failed", err)
				}
				return emitThreshold(out, ThresholdView{Threshold: t})
			})
		},
	}
}
