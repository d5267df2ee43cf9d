package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/putsql/internal/journal"
	"github.com/roach88/putsql/internal/unit"
)

// OutcomesOptions holds flags for the outcomes command.
type OutcomesOptions struct {
	*RootOptions
	Journal      string
	Relationship string
	Cycle        string
}

// OutcomeView is one recorded route as printed by outcomes.
type OutcomeView struct {
	Seq          int64             `json:"seq"`
	Cycle        string            `json:"cycle"`
	Unit         string            `json:"unit"`
	Relationship string            `json:"relationship"`
	Cause        string            `json:"cause,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	RoutedAt     time.Time         `json:"routed_at"`
}

// NewOutcomesCommand creates the outcomes command.
func NewOutcomesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutcomesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "List where units were routed",
		Long: `List the routes recorded in the journal, oldest first.

Examples:
  putsql outcomes -c putsql.yaml
  putsql outcomes --journal putsql.db --relationship failure
  putsql outcomes --journal putsql.db --cycle 0190a3c4-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutcomes(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "journal path (skips loading the configuration)")
	cmd.Flags().StringVar(&opts.Relationship, "relationship", "", "only show routes to this relationship (success|retry|failure|self)")
	cmd.Flags().StringVar(&opts.Cycle, "cycle", "", "only show routes from this cycle")

	return cmd
}

func runOutcomes(opts *OutcomesOptions, cmd *cobra.Command) error {
	rel := unit.Relationship(opts.Relationship)
	if rel != "" && !rel.Valid() {
		return commandError(ErrCodeUsage, fmt.Sprintf("invalid relationship %q", opts.Relationship), nil)
	}

	j, err := openJournal(opts.RootOptions, opts.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	outcomes, err := j.Outcomes(commandContext(cmd), rel)
	if err != nil {
		return commandError(ErrCodeJournal, "failed to read outcomes", err)
	}

	views := make([]OutcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		if opts.Cycle != "" && o.CycleID != opts.Cycle {
			continue
		}
		views = append(views, viewOutcome(o))
	}

	return newPrinter(opts.RootOptions, cmd).result(views, func(w io.Writer) error {
		return writeOutcomeTable(w, views)
	})
}

func writeOutcomeTable(w io.Writer, views []OutcomeView) error {
	if len(views) == 0 {
		fmt.Fprintln(w, "No outcomes recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tCYCLE\tUNIT\tRELATIONSHIP\tCAUSE")
	for _, v := range views {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", v.Seq, v.Cycle, v.Unit, v.Relationship, v.Cause)
	}
	return tw.Flush()
}

func viewOutcome(o journal.Outcome) OutcomeView {
	v := OutcomeView{
		Seq:          o.Seq,
		Cycle:        o.CycleID,
		Unit:         o.UnitID,
		Relationship: string(o.Relationship),
		Cause:        o.Cause,
		RoutedAt:     o.RoutedAt,
	}
	if len(o.Attributes) > 0 {
		v.Attributes = o.Attributes
	}
	return v
}
