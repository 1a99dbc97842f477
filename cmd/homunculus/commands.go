package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HendryAvila/homunculus/internal/approval"
	"github.com/HendryAvila/homunculus/internal/engine"
	"github.com/HendryAvila/homunculus/internal/lifecycle"
	"github.com/HendryAvila/homunculus/internal/store"
	"github.com/HendryAvila/homunculus/internal/synth"
)

// ─── Setup ───────────────────────────────────────────────────────────────────

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the built-in rules, templates and meta-rules and publish them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Init(ctx)
				if err != nil {
					return err
				}
				return a.emit(cmd, res, func() {
					w := cmd.OutOrStdout()
					success(w, "config: %s", a.configPath)
					success(w, "database: %s", e.Config().DBPath())
					for _, p := range res.Written {
						success(w, "wrote %s", p)
					}
					field(w, "published", res.Sync.Inserted)
					field(w, "unchanged", res.Sync.Unchanged)
					for _, d := range res.Sync.Diagnostics {
						warn(w, "%s", d.String())
					}
				})
			})
		},
	}
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration (API key masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			y, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", a.configPath, y)
			return nil
		},
	}
}

// ─── Observations and detection ──────────────────────────────────────────────

func (a *app) ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [path]",
		Short: "Read new events from the observation log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Ingest(ctx, path)
				if err != nil {
					return err
				}
				return a.emit(cmd, res, func() {
					w := cmd.OutOrStdout()
					success(w, "ingested %d new observation(s) from %s", res.Inserted, res.Path)
					field(w, "lines", res.Lines)
					field(w, "duplicates", res.Duplicates)
					field(w, "rejected", res.Rejected)
					field(w, "usage recorded", res.UsageRecorded)
					for _, d := range res.Diagnostics {
						warn(w, "%s", d)
					}
				})
			})
		},
	}
}

func (a *app) detectCmd() *cobra.Command {
	var synthesize, noIngest bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Ingest new events and detect capability gaps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				if !noIngest {
					if _, err := e.Ingest(ctx, ""); err != nil {
						return err
					}
				}
				res, err := e.Detect(ctx, synthesize)
				if err != nil {
					return err
				}
				return a.emit(cmd, res, func() {
					w := cmd.OutOrStdout()
					det := res.Detection
					title(w, "Detection")
					field(w, "observations", det.Observations)
					field(w, "batches", det.Batches)
					field(w, "new gaps", len(det.Created))
					field(w, "reinforced", len(det.Linked))
					field(w, "suppressed", det.Suppressed)
					for _, d := range det.Diagnostics {
						warn(w, "%s", d.String())
					}
					if len(det.Created) > 0 {
						heading(w, "New gaps")
						gapTable(w, det.Created)
					}
					if res.Synthesis != nil {
						synthesisOutput(w, res.Synthesis)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&synthesize, "synthesize", false, "synthesize proposals for new gaps above their threshold")
	cmd.Flags().BoolVar(&noIngest, "no-ingest", false, "skip reading the observation log")
	return cmd
}

func (a *app) synthesizeCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "synthesize [gap-id]",
		Short: "Create proposals for pending gaps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gapID := ""
			if len(args) == 1 {
				gapID = args[0]
			}
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Synthesize(ctx, gapID, all)
				if err != nil {
					return err
				}
				return a.emit(cmd, res, func() { synthesisOutput(cmd.OutOrStdout(), res) })
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include gaps under their auto-synthesize threshold")
	return cmd
}

func synthesisOutput(w io.Writer, res *synth.Result) {
	heading(w, "Proposals")
	if len(res.Proposals) == 0 {
		fmt.Fprintln(w, styles.Muted.Render("  none created"))
	} else {
		proposalTable(w, res.Proposals)
	}
	for _, s := range res.Skipped {
		warn(w, "skipped %s: %s", s.GapID, s.Reason)
	}
}

// ─── Gaps ────────────────────────────────────────────────────────────────────

func (a *app) gapsCmd() *cobra.Command {
	var (
		status, gapType string
		limit           int
	)
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "List capability gaps (open gaps by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.GapFilter{Type: lifecycle.GapType(gapType), Limit: limit}
			switch status {
			case "":
				f.Status = lifecycle.OpenGapStatuses
			case "all":
			default:
				f.Status = []lifecycle.GapStatus{lifecycle.GapStatus(status)}
			}
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				gaps, err := e.Gaps(ctx, f)
				if err != nil {
					return err
				}
				return a.emit(cmd, gaps, func() {
					w := cmd.OutOrStdout()
					if len(gaps) == 0 {
						fmt.Fprintln(w, "No gaps.")
						return
					}
					gapTable(w, gaps)
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "gap status, or all")
	cmd.Flags().StringVar(&gapType, "type", "", "gap type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of gaps")
	return cmd
}

func gapTable(w io.Writer, gaps []store.Gap) {
	rows := make([][]string, 0, len(gaps))
	for _, g := range gaps {
		rows = append(rows, []string{g.ID, string(g.Type), g.DesiredCapability, conf(g.Confidence), string(g.Status), ago(g.DetectedAt)})
	}
	table(w, []string{"ID", "TYPE", "CAPABILITY", "CONF", "STATUS", "DETECTED"}, rows)
}

func (a *app) gapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gap <id>",
		Short: "Show a gap with its evidence and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				d, err := e.Gap(ctx, args[0])
				if err != nil {
					return err
				}
				return a.emit(cmd, d, func() {
					w := cmd.OutOrStdout()
					g := d.Gap
					title(w, "Gap "+g.ID)
					field(w, "type", g.Type)
					if g.Domain != "" {
						field(w, "domain", g.Domain)
					}
					field(w, "capability", g.DesiredCapability)
					field(w, "confidence", conf(g.Confidence))
					field(w, "scope", g.Scope)
					field(w, "status", statusStyle(string(g.Status)))
					field(w, "rule", fmt.Sprintf("%s v%d", g.RuleID, g.RuleVersion))
					field(w, "detected", ago(g.DetectedAt))
					if d.Proposal != nil {
						field(w, "proposal", fmt.Sprintf("%s (%s)", d.Proposal.ID, d.Proposal.Status))
					}
					heading(w, "Evidence")
					fmt.Fprintln(w, "  "+g.EvidenceSummary)
					heading(w, fmt.Sprintf("Observations (%d)", len(d.Observations)))
					for _, o := range d.Observations {
						fmt.Fprintf(w, "  %s  %s %s %s\n", styles.Muted.Render(o.Timestamp), o.EventType, o.ToolName, o.ToolError)
					}
					history(w, d.History)
				})
			})
		},
	}
}

func (a *app) dismissGapCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dismiss-gap <id>",
		Short: "Dismiss a pending gap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				g, err := e.DismissGap(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return a.emit(cmd, g, func() { success(cmd.OutOrStdout(), "dismissed gap %s (%s)", g.ID, g.DesiredCapability) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the gap is dismissed")
	return cmd
}

// ─── Proposals ───────────────────────────────────────────────────────────────

func (a *app) proposalsCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "List proposals (pending by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := lifecycle.ProposalStatus(status)
			if status == "all" {
				st = ""
			}
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				list, err := e.Proposals(ctx, st, limit)
				if err != nil {
					return err
				}
				return a.emit(cmd, list, func() {
					w := cmd.OutOrStdout()
					if len(list) == 0 {
						fmt.Fprintln(w, "No proposals.")
						return
					}
					proposalTable(w, list)
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(lifecycle.ProposalPending), "proposal status, or all")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of proposals")
	return cmd
}

func proposalTable(w io.Writer, list []store.Proposal) {
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		rows = append(rows, []string{p.ID, string(p.Type), p.Name, string(p.Scope), conf(p.Confidence), string(p.Status), ago(p.CreatedAt)})
	}
	table(w, []string{"ID", "TYPE", "NAME", "SCOPE", "CONF", "STATUS", "CREATED"}, rows)
}

func (a *app) reviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <id>",
		Short: "Show a proposal or meta-proposal in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				r, err := e.Review(ctx, args[0])
				if err != nil {
					return err
				}
				return a.emit(cmd, r, func() {
					w := cmd.OutOrStdout()
					if r.Meta != nil {
						metaReview(w, r.Meta)
					} else {
						proposalReview(w, r.Proposal, r.Gap)
					}
					history(w, r.History)
				})
			})
		},
	}
}

func proposalReview(w io.Writer, p *store.Proposal, g *store.Gap) {
	title(w, fmt.Sprintf("Proposal %s: %s", p.ID, p.Name))
	field(w, "type", p.Type)
	field(w, "scope", p.Scope)
	field(w, "confidence", conf(p.Confidence))
	field(w, "status", statusStyle(string(p.Status)))
	field(w, "template", fmt.Sprintf("%s v%d (%s)", p.TemplateID, p.TemplateVersion, p.Strategy))
	if p.RejectionReason != "" {
		field(w, "rejected", strings.TrimSpace(p.RejectionReason+" "+p.RejectionDetail))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  "+p.Summary)
	if p.Reasoning != "" {
		fmt.Fprintln(w, styles.Muted.Render("  "+p.Reasoning))
	}
	if g != nil {
		heading(w, "Gap "+g.ID)
		fmt.Fprintf(w, "  %s: %s (%s)\n  %s\n", g.Type, g.DesiredCapability, conf(g.Confidence), g.EvidenceSummary)
	}
	for _, f := range p.Files {
		heading(w, fmt.Sprintf("%s %s", f.Action, f.Path))
		fmt.Fprintln(w, f.Content)
	}
	if p.ConfigPatch != "" {
		heading(w, "Configuration patch")
		fmt.Fprintln(w, p.ConfigPatch)
	}
	if len(p.Dependencies) > 0 {
		heading(w, "Dependencies")
		for _, d := range p.Dependencies {
			fmt.Fprintf(w, "  %s (%s)\n", d.Name, d.Type)
		}
	}
}

func metaReview(w io.Writer, m *store.MetaProposal) {
	title(w, "Meta-proposal "+m.ID)
	field(w, "type", m.Type)
	target := fmt.Sprintf("%s %s", m.TargetKind, m.TargetID)
	if m.TargetVersion > 0 {
		target += " v" + strconv.Itoa(m.TargetVersion)
	}
	field(w, "target", target)
	field(w, "confidence", conf(m.Confidence))
	field(w, "status", statusStyle(string(m.Status)))
	if m.ResultVersion > 0 {
		field(w, "published", "v"+strconv.Itoa(m.ResultVersion))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  "+m.Reasoning)
	heading(w, "Changes")
	for k, v := range m.Changes {
		fmt.Fprintf(w, "  %s: %v\n", k, v)
	}
}

func (a *app) approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve and install a proposal, or approve and apply a meta-proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				d, err := e.Approve(ctx, args[0])
				return a.decision(cmd, d, err)
			})
		},
	}
}

func (a *app) installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <id>",
		Short: "Retry the install of an approved proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				d, err := e.Install(ctx, args[0])
				return a.decision(cmd, d, err)
			})
		},
	}
}

func (a *app) rejectCmd() *cobra.Command {
	var reason, detail string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a proposal or meta-proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				d, err := e.Reject(ctx, args[0], reason, detail)
				return a.decision(cmd, d, err)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(lifecycle.ReasonOther), "not_needed, incorrect, duplicate, too_complex or other")
	cmd.Flags().StringVar(&detail, "detail", "", "free-text explanation")
	return cmd
}

// decision prints an approval outcome. A failed install still prints the
// decision so the caller sees the proposal stayed approved.
func (a *app) decision(cmd *cobra.Command, d *approval.Decision, err error) error {
	if d == nil {
		return err
	}
	w := cmd.OutOrStdout()
	if emitErr := a.emit(cmd, d, func() {
		if m := d.Meta; m != nil {
			success(w, "meta-proposal %s is %s", m.ID, m.Status)
			if m.ResultVersion > 0 {
				field(w, "published", fmt.Sprintf("%s %s v%d", m.TargetKind, m.TargetID, m.ResultVersion))
			}
			return
		}
		p := d.Proposal
		if err != nil {
			warn(w, "proposal %s is %s; run `homunculus install %s` to retry", p.ID, p.Status, p.ID)
			return
		}
		success(w, "proposal %s (%s) is %s", p.ID, p.Name, p.Status)
		if d.GapStatus != "" {
			field(w, "gap", d.GapStatus)
		}
		if in := d.Install; in != nil {
			for _, c := range in.Capability.Changes {
				field(w, c.Action, c.Path)
			}
			for _, wn := range in.Warnings {
				warn(w, "%s", wn)
			}
		}
	}); emitErr != nil {
		return emitErr
	}
	return err
}

// ─── Capabilities ────────────────────────────────────────────────────────────

func (a *app) capabilitiesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List installed capabilities with usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				caps, err := e.Capabilities(ctx, all)
				if err != nil {
					return err
				}
				return a.emit(cmd, caps, func() {
					w := cmd.OutOrStdout()
					if len(caps) == 0 {
						fmt.Fprintln(w, "No capabilities.")
						return
					}
					rows := make([][]string, 0, len(caps))
					for _, c := range caps {
						deps := make([]string, 0, len(c.Dependencies))
						for _, d := range c.Dependencies {
							deps = append(deps, d.DependsOnName+"("+string(d.Type)+")")
						}
						rows = append(rows, []string{
							c.Name, string(c.Type), string(c.Scope), string(c.Status),
							strconv.Itoa(c.UsageCount), ago(c.LastUsedAt), ago(c.InstalledAt), strings.Join(deps, ","),
						})
					}
					table(w, []string{"NAME", "TYPE", "SCOPE", "STATUS", "USES", "LAST USED", "INSTALLED", "DEPENDS ON"}, rows)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled and rolled-back capabilities")
	return cmd
}

func (a *app) rollbackCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "rollback <name>",
		Short: "Restore every file a capability touched to its pre-install state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Rollback(ctx, args[0], cascade)
				if err != nil {
					return err
				}
				return a.emit(cmd, res, func() {
					w := cmd.OutOrStdout()
					for _, n := range res.RolledBack {
						success(w, "rolled back %s", n)
					}
					for _, wn := range res.Warnings {
						warn(w, "%s", wn)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also roll back active capabilities that require it")
	return cmd
}

func (a *app) disableCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "disable <name>",
		Short: "Mark a capability disabled without touching its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Disable(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return a.emit(cmd, c, func() { success(cmd.OutOrStdout(), "disabled %s", c.Name) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the capability is disabled")
	return cmd
}

func (a *app) dependCmd() *cobra.Command {
	var (
		typ    string
		remove bool
	)
	cmd := &cobra.Command{
		Use:   "depend <name> <depends-on>",
		Short: "Record or remove a dependency between two capabilities",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				if remove {
					if err := e.RemoveDependency(ctx, args[0], args[1]); err != nil {
						return err
					}
					success(cmd.OutOrStdout(), "%s no longer depends on %s", args[0], args[1])
					return nil
				}
				if err := e.AddDependency(ctx, args[0], args[1], lifecycle.DependencyType(typ)); err != nil {
					return err
				}
				success(cmd.OutOrStdout(), "%s now depends on %s (%s)", args[0], args[1], typ)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(lifecycle.DependencyRequired), "required, optional or suggested")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the edge instead of adding it")
	return cmd
}

// ─── Status ──────────────────────────────────────────────────────────────────

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show counts of observations, gaps, proposals and capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				return a.emit(cmd, st, func() {
					w := cmd.OutOrStdout()
					title(w, "Homunculus")
					field(w, "data dir", st.DataDir)
					field(w, "install root", st.InstallRoot)
					field(w, "observations", fmt.Sprintf("%d (%d unprocessed)", st.Observations, st.Unprocessed))
					field(w, "capabilities", st.Capabilities)
					field(w, "meta pending", st.MetaPending)

					heading(w, "Gaps")
					for _, s := range []lifecycle.GapStatus{
						lifecycle.GapPending, lifecycle.GapSynthesizing, lifecycle.GapProposed,
						lifecycle.GapResolved, lifecycle.GapRejected, lifecycle.GapDismissed,
					} {
						field(w, string(s), st.Gaps[s])
					}
					heading(w, "Proposals")
					for _, s := range []lifecycle.ProposalStatus{
						lifecycle.ProposalPending, lifecycle.ProposalApproved, lifecycle.ProposalInstalled,
						lifecycle.ProposalRejected, lifecycle.ProposalRolledBack,
					} {
						field(w, string(s), st.Proposals[s])
					}
					if st.Definitions != nil {
						for _, d := range st.Definitions.Diagnostics {
							warn(w, "%s", d.String())
						}
					}
				})
			})
		},
	}
}

func (a *app) metaStatusCmd() *cobra.Command {
	var analyze bool
	cmd := &cobra.Command{
		Use:   "meta-status",
		Short: "Show meta-proposals, recent meta-observations and daily metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(func(ctx context.Context, e *engine.Engine) error {
				ms, err := e.MetaStatus(ctx, analyze)
				if err != nil {
					return err
				}
				return a.emit(cmd, ms, func() {
					w := cmd.OutOrStdout()
					st := ms.Status
					title(w, "Meta-evolution")
					if !st.Enabled {
						warn(w, "meta-analysis is disabled in the configuration")
					}
					if r := ms.Report; r != nil {
						success(w, "analysis: %d observation(s), %d proposal(s), %d skipped",
							len(r.Observations), len(r.Proposals), len(r.Skipped))
						for _, s := range r.Skipped {
							fmt.Fprintln(w, styles.Muted.Render("  skipped "+s.Target+": "+s.Reason))
						}
					}
					field(w, "window", fmt.Sprintf("%d of %d used", st.WindowUsed, st.WindowLimit))
					field(w, "applied", st.Applied)
					field(w, "rejected", st.Rejected)

					if len(st.Pending)+len(st.Approved) > 0 {
						heading(w, "Open meta-proposals")
						rows := [][]string{}
						for _, p := range append(st.Pending, st.Approved...) {
							rows = append(rows, []string{p.ID, string(p.Type), string(p.TargetKind) + "/" + p.TargetID, conf(p.Confidence), string(p.Status)})
						}
						table(w, []string{"ID", "TYPE", "TARGET", "CONF", "STATUS"}, rows)
					}
					if len(st.Observations) > 0 {
						heading(w, "Recent observations")
						for _, o := range st.Observations {
							fmt.Fprintf(w, "  %s %s/%s %s\n", o.Type, o.SubjectKind, o.SubjectID, styles.Muted.Render(o.Recommendation))
						}
					}
					if len(st.Daily) > 0 {
						heading(w, "Daily")
						rows := [][]string{}
						for _, d := range st.Daily {
							rows = append(rows, []string{d.Day, strconv.Itoa(d.Observations), strconv.Itoa(d.GapsDetected),
								strconv.Itoa(d.ProposalsCreated), strconv.Itoa(d.ProposalsApproved), strconv.Itoa(d.ProposalsRejected)})
						}
						table(w, []string{"DAY", "OBS", "GAPS", "PROPOSALS", "APPROVED", "REJECTED"}, rows)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&analyze, "analyze", false, "run the meta-analyzer before reporting")
	return cmd
}
