package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"accessgate.org/internal/codes"
)

func (c *cli) issueCmd() *cobra.Command {
	var (
		institution, codeType, custom, requester string
		opts                                     codes.IssueOptions
		meta                                     []string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new access code",
		Long:  `Issue a code for an institution. The raw code is printed once and cannot be recovered.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			opts.Metadata = md
			opts.Requester.UserID = requester
			issued, err := c.app.Codes.IssueCode(cmd.Context(), institution, codeType, custom, opts)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), issued, func(tw *tabwriter.Writer) {
				row(tw, "ID", issued.ID)
				row(tw, "Code", issued.RawCode)
				row(tw, "Type", issued.Type)
				row(tw, "Security", issued.SecurityLevel)
				row(tw, "Expires", issued.ExpiresAt.Format(time.RFC3339)+" ("+when(issued.ExpiresAt)+")")
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&institution, "institution", "i", "", "Institution ID")
	f.StringVarP(&codeType, "type", "t", "visitor", "Code type")
	f.StringVar(&custom, "custom", "", "Use this code instead of generating one")
	f.StringVar(&requester, "requester", "", "User ID recorded as the issuer")
	f.IntVar(&opts.ExpiryHours, "expiry-hours", 0, "Lifetime in hours (default from config)")
	f.IntVar(&opts.MaxUsage, "max-usage", 0, "Maximum successful validations, 0 for unlimited")
	f.IntVar(&opts.Length, "length", 0, "Generated code length (default from config)")
	f.StringArrayVar(&meta, "meta", nil, "Metadata as key=value, repeatable")
	_ = cmd.MarkFlagRequired("institution")
	return cmd
}

type validateOutput struct {
	Valid      bool            `json:"is_valid"`
	Error      string          `json:"error,omitempty"`
	MessageKey string          `json:"message_key,omitempty"`
	RiskScore  float64         `json:"risk_score"`
	RetryAfter string          `json:"retry_after,omitempty"`
	Code       *codes.CodeView `json:"code,omitempty"`
	Grant      string          `json:"grant,omitempty"`
}

func (c *cli) validateCmd() *cobra.Command {
	var (
		institution string
		rc          codes.RequestContext
	)
	cmd := &cobra.Command{
		Use:   "validate CODE",
		Short: "Validate an access code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := c.app.Codes.ValidateCode(cmd.Context(), args[0], institution, rc)
			out := validateOutput{
				Valid:      res.Valid,
				Error:      res.ErrorCode,
				MessageKey: res.MessageKey,
				RiskScore:  res.RiskScore,
				Code:       res.Code,
				Grant:      res.Grant,
			}
			if res.RetryAfter > 0 {
				out.RetryAfter = res.RetryAfter.Round(time.Second).String()
			}
			if err := c.render(cmd.OutOrStdout(), out, func(tw *tabwriter.Writer) {
				if res.Valid {
					row(tw, "Result", "VALID")
					row(tw, "Code", res.Code.ID)
					row(tw, "Usage", usage(res.Code.UsageCount, res.Code.MaxUsage))
					if res.Grant != "" {
						row(tw, "Grant", res.Grant)
					}
				} else {
					row(tw, "Result", res.ErrorCode)
					if res.RetryAfter > 0 {
						row(tw, "Retry after", res.RetryAfter.Round(time.Second))
					}
				}
				row(tw, "Risk", fmt.Sprintf("%.1f", res.RiskScore))
			}); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("validation failed: %s", res.ErrorCode)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&institution, "institution", "i", "", "Restrict the lookup to an institution")
	f.StringVar(&rc.IP, "ip", "127.0.0.1", "Client IP")
	f.StringVar(&rc.UserAgent, "user-agent", "accessctl", "Client user agent")
	f.StringVar(&rc.SessionID, "session", "", "Session ID")
	f.StringVar(&rc.UserID, "user", "", "User ID")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var (
		filter codes.Filter
		status string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = codes.Status(strings.ToUpper(status))
			views, err := c.app.Codes.SearchCodes(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), views, func(tw *tabwriter.Writer) {
				row(tw, "ID", "INSTITUTION", "TYPE", "STATUS", "USAGE", "RISK", "EXPIRES", "LAST USED")
				for _, v := range views {
					row(tw, v.ID, v.InstitutionID, v.Type, v.Status, usage(v.UsageCount, v.MaxUsage),
						fmt.Sprintf("%.1f %s", v.RiskScore, v.RiskLevel), when(v.ExpiresAt), when(v.LastAccessedAt))
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&filter.InstitutionID, "institution", "i", "", "Institution ID")
	f.StringVarP(&filter.Type, "type", "t", "", "Code type")
	f.StringVar(&status, "status", "", "ACTIVE, SUSPENDED, EXPIRED")
	f.Float64Var(&filter.MinRisk, "min-risk", 0, "Minimum risk score")
	f.DurationVar(&filter.ExpiringIn, "expiring-in", 0, "Only codes expiring within this duration")
	f.IntVar(&filter.Limit, "limit", 50, "Maximum results")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [ID]",
		Short: "Show usage for one code or a summary of all codes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			st, err := c.app.Codes.GetStats(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), st, func(tw *tabwriter.Writer) {
				if id == "" {
					row(tw, "Codes", count(st.Total))
					row(tw, "Total usage", count(st.TotalUsage))
					row(tw, "High risk", count(st.HighRisk))
					for _, s := range []codes.Status{codes.StatusActive, codes.StatusSuspended, codes.StatusExpired} {
						row(tw, "  "+string(s), count(st.ByStatus[s]))
					}
					return
				}
				row(tw, "Code", st.CodeID)
				row(tw, "Status", st.Status)
				row(tw, "Usage", usage(st.UsageCount, st.MaxUsage))
				if st.MaxUsage > 0 {
					row(tw, "Used", percent(st.UsagePercentage))
				}
				row(tw, "Failed attempts", count(st.FailedAttempts))
				row(tw, "Risk", fmt.Sprintf("%.1f %s", st.RiskScore, st.RiskLevel))
				row(tw, "Expires in", st.ExpiresIn.Round(time.Minute))
				row(tw, "Last used", when(st.LastAccessedAt))
			})
		},
	}
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the adaptive code sweep once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := c.app.Codes.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), rep, func(tw *tabwriter.Writer) {
				row(tw, "Scanned", count(rep.Scanned))
				row(tw, "Rescored", count(rep.Rescored))
				row(tw, "Tightened", count(rep.Tightened))
				row(tw, "Suspended", count(rep.Suspended))
				row(tw, "Expired", count(rep.Expired))
				row(tw, "Purged", count(rep.Purged))
				row(tw, "Active", count(rep.Active))
			})
		},
	}
}

func (c *cli) generateCmd() *cobra.Command {
	var (
		length int
		opts   codes.CharsetOptions
		check  string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a code or check the strength of one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := check
			if code == "" {
				var err error
				if code, err = c.app.Codes.GenerateCode(length, opts); err != nil {
					return err
				}
			}
			res := c.app.Codes.ValidateStrength(code)
			out := struct {
				Code     string               `json:"code"`
				Strength codes.StrengthResult `json:"strength"`
			}{code, res}
			return c.render(cmd.OutOrStdout(), out, func(tw *tabwriter.Writer) {
				row(tw, "Code", code)
				row(tw, "Strength", fmt.Sprintf("%s (%d)", res.Label, res.Score))
				for _, e := range res.Errors {
					row(tw, "Problem", e)
				}
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&length, "length", 0, "Code length (default from config)")
	f.BoolVar(&opts.Upper, "upper", false, "Include upper case letters")
	f.BoolVar(&opts.Lower, "lower", false, "Include lower case letters")
	f.BoolVar(&opts.Digits, "digits", false, "Include digits")
	f.BoolVar(&opts.Symbols, "symbols", false, "Include symbols")
	f.BoolVar(&opts.ExcludeAmbiguous, "exclude-ambiguous", false, "Leave out look-alike characters")
	f.StringVar(&check, "check", "", "Check this code instead of generating one")
	return cmd
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("metadata %q is not key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func usage(n, limit int) string {
	if limit <= 0 {
		return count(n) + " / unlimited"
	}
	return count(n) + " / " + count(limit)
}
