package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/chanopt/internal/api"
	"github.com/tutu-network/chanopt/internal/app/shadow"
	"github.com/tutu-network/chanopt/internal/domain"
)

type reportOptions struct {
	from, to    string
	decision    string
	channel     string
	limit       int
	summaryOnly bool
	asJSON      bool
}

func newReportCmd(root *rootOptions) *cobra.Command {
	var o reportOptions
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show logged decisions and their summary",
		Long: `Show shadow log entries recorded in [from, to). Without --from the
report covers the current UTC day. Times accept 2006-01-02 or RFC 3339.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := o.query(time.Now())
			if err != nil {
				return err
			}
			d, err := root.openDaemon(cmd, nil)
			if err != nil {
				return err
			}
			defer d.Close()

			entries, err := d.Shadow.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			sum := shadow.Summarize(q.From, q.To, entries)
			out := cmd.OutOrStdout()
			if o.asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"entries": entries, "summary": sum})
			}
			if !o.summaryOnly {
				if err := printEntries(out, entries); err != nil {
					return err
				}
			}
			return printSummary(out, sum)
		},
	}
	cmd.Flags().StringVar(&o.from, "from", "", "Start of the range (inclusive)")
	cmd.Flags().StringVar(&o.to, "to", "", "End of the range (exclusive, default from + 24h)")
	cmd.Flags().StringVar(&o.decision, "type", "", "Only this decision type (e.g. DECREASE_FEES)")
	cmd.Flags().StringVar(&o.channel, "channel", "", "Only this channel")
	cmd.Flags().IntVar(&o.limit, "limit", 0, "Maximum entries (0 = all)")
	cmd.Flags().BoolVar(&o.summaryOnly, "summary", false, "Print only the summary")
	cmd.Flags().BoolVar(&o.asJSON, "json", false, "Print entries and summary as JSON")
	return cmd
}

func (o reportOptions) query(now time.Time) (domain.ShadowQuery, error) {
	q := domain.ShadowQuery{ChannelID: o.channel, Limit: o.limit}
	var err error
	if q.From, err = api.ParseTime(o.from); err != nil {
		return q, fmt.Errorf("invalid --from: %w", err)
	}
	if q.To, err = api.ParseTime(o.to); err != nil {
		return q, fmt.Errorf("invalid --to: %w", err)
	}
	if q.From.IsZero() {
		y, m, d := now.UTC().Date()
		q.From = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	if q.To.IsZero() {
		q.To = q.From.Add(24 * time.Hour)
	}
	if o.decision != "" {
		if q.Type, err = domain.ParseDecisionType(strings.ToUpper(o.decision)); err != nil {
			return q, err
		}
	}
	if o.limit < 0 {
		return q, fmt.Errorf("invalid --limit: %d", o.limit)
	}
	return q, nil
}

func printEntries(out io.Writer, entries []domain.ShadowLogEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No decisions recorded in range.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECORDED\tCHANNEL\tDECISION\tSCORE\tAPPROVED\tSTATUS\tMODE")
	for _, e := range entries {
		status := "-"
		if e.Execution != nil {
			status = string(e.Execution.Status)
		}
		approved := "yes"
		if !e.Validation.Approved {
			approved = "no: " + strings.Join(e.Validation.ViolatedRules, ",")
		}
		mode := "live"
		if e.DryRun {
			mode = "dry-run"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%s\t%s\t%s\n",
			e.RecordedAt.UTC().Format("2006-01-02 15:04"),
			e.Channel.ChannelID,
			e.Decision.Type(),
			e.Score.Value,
			approved,
			status,
			mode,
		)
	}
	return w.Flush()
}

func printSummary(out io.Writer, s shadow.Summary) error {
	fmt.Fprintf(out, "\n%s .. %s: %d entries, %d channels, %d cycles, %d rejected, avg score %.3f\n",
		s.From.UTC().Format(time.RFC3339), s.To.UTC().Format(time.RFC3339),
		s.Entries, s.Channels, s.Cycles, s.Rejected, s.AvgScore)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(s.ByDecision) {
		fmt.Fprintf(w, "  %s\t%d\n", k, s.ByDecision[k])
	}
	for _, k := range sortedKeys(s.ByStatus) {
		fmt.Fprintf(w, "  %s\t%d\n", k, s.ByStatus[k])
	}
	for _, k := range sortedKeys(s.Violations) {
		fmt.Fprintf(w, "  violation %s\t%d\n", k, s.Violations[k])
	}
	return w.Flush()
}
