package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"accessgate.org/internal/audit"
)

func (c *cli) alertsCmd() *cobra.Command {
	var (
		filter   audit.AlertFilter
		unacked  bool
		lookback time.Duration
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List security alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Severity = strings.ToUpper(filter.Severity)
			if unacked {
				no := false
				filter.Acknowledged = &no
			}
			if lookback > 0 {
				filter.Since = time.Now().Add(-lookback)
			}
			alerts := c.app.Codes.GetAlerts(filter)
			return c.render(cmd.OutOrStdout(), alerts, func(tw *tabwriter.Writer) {
				row(tw, "ID", "SEVERITY", "TYPE", "RAISED", "ACK", "MESSAGE")
				for _, a := range alerts {
					ack := "no"
					if a.Acknowledged {
						ack = "yes"
					}
					row(tw, a.ID, a.Severity, a.Type, when(a.Timestamp), ack, a.Message)
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.Severity, "severity", "", "LOW, MEDIUM, HIGH or CRITICAL")
	f.StringVar(&filter.Type, "type", "", "Alert type")
	f.BoolVar(&unacked, "unacked", false, "Only unacknowledged alerts")
	f.DurationVar(&lookback, "since", 0, "Only alerts raised within this duration")
	f.IntVar(&filter.Limit, "limit", 100, "Maximum results")
	return cmd
}

func (c *cli) ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack ALERT_ID",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app.Codes.AcknowledgeAlert(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), a, func(tw *tabwriter.Writer) {
				row(tw, "Alert", a.ID)
				row(tw, "Acknowledged", when(a.AcknowledgedAt))
			})
		},
	}
}

func (c *cli) reportCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise audited activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep := c.app.Codes.GenerateUsageReport(window)
			return c.render(cmd.OutOrStdout(), rep, func(tw *tabwriter.Writer) {
				row(tw, "Window", when(rep.From)+" .. "+when(rep.To))
				row(tw, "Entries", count(rep.Total))
				row(tw, "Successes", count(rep.Successes))
				row(tw, "Failures", count(rep.Failures))
				if rep.Total > 0 {
					row(tw, "Failure rate", percent(float64(rep.Failures)*100/float64(rep.Total)))
				}
				row(tw, "Alerts", count(len(rep.Alerts)))
				for _, group := range []struct {
					title  string
					counts []audit.Count
				}{{"Top activity", rep.TopActivities}, {"Top user", rep.TopUsers}, {"Top IP", rep.TopIPs}} {
					for _, cnt := range group.counts {
						row(tw, group.title, fmt.Sprintf("%s (%s)", cnt.Key, count(cnt.Count)))
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "Report window")
	return cmd
}

func (c *cli) trendsCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "trends",
		Short: "Show the security posture score and its direction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr := c.app.Codes.GetSecurityTrends(window)
			return c.render(cmd.OutOrStdout(), tr, func(tw *tabwriter.Writer) {
				row(tw, "Score", fmt.Sprintf("%.0f (%s, %s)", tr.Score, tr.Level, tr.Direction))
				row(tw, "Alerts", fmt.Sprintf("%s (previous window %s)", count(tr.AlertCount), count(tr.PreviousAlertCount)))
				row(tw, "Security events", count(tr.SecurityEvents))
				row(tw, "Failure rate", percent(tr.FailureRate*100))
				sevs := make([]string, 0, len(tr.AlertsBySeverity))
				for s := range tr.AlertsBySeverity {
					sevs = append(sevs, s)
				}
				sort.Strings(sevs)
				for _, s := range sevs {
					row(tw, "  "+s, count(tr.AlertsBySeverity[s]))
				}
				if len(tr.HighRiskUsers) > 0 {
					row(tw, "High-risk users", strings.Join(tr.HighRiskUsers, ", "))
				}
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "Trend window")
	return cmd
}
