package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"heatspec/internal/app"
	"heatspec/internal/domain"
	"heatspec/internal/engine"
	"heatspec/internal/report"
	"heatspec/internal/server"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Manage job graphs"}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobUseCmd())
	job.AddCommand(jobProcessCmd())
	job.AddCommand(jobCompleteCmd())
	job.AddCommand(jobCaptureCmd())
	job.AddCommand(jobLogCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var visitID, propertyID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job graph for a survey visit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				st, err := svc.CreateJob(ctx, visitID, propertyID, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Created job graph %s for visit %s (%d milestones)\n", st.Graph.ID, visitID, len(st.Milestones))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&visitID, "visit", "", "visit id")
	cmd.Flags().StringVar(&propertyID, "property", "", "property id")
	_ = cmd.MarkFlagRequired("visit")
	_ = cmd.MarkFlagRequired("property")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job graphs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				items, err := svc.Repo.ListJobGraphs(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader([]any{"ID", "Visit", "Property", "Status", "Confidence", "Updated"})
				for _, g := range items {
					tw.AppendRow([]any{g.ID, g.VisitID, g.PropertyID, g.Status, g.OverallConfidence, g.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a job graph and its milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				st, err := svc.Repo.LoadState(ctx, jobID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Job %s  visit=%s  status=%s  confidence=%d  version=%d\n",
					st.Graph.ID, st.Graph.VisitID, st.Graph.Status, st.Graph.OverallConfidence, st.Graph.Version)
				printMilestones(st.Milestones)
				return nil
			})
		},
	}
}

func jobUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <job-or-visit>",
		Short: "Set the current job graph for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				jobID, err := app.ResolveJobGraphID(ctx, svc.Repo, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				workspace := viper.GetString("workspace")
				if err := setEnvValue(filepath.Join(workspace, ".env"), "HEATSPEC_JOB", jobID); err != nil {
					return err
				}
				fmt.Printf("Set HEATSPEC_JOB=%s in %s/.env\n", jobID, workspace)
				return nil
			})
		},
	}
}

func jobProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run an orchestration pass and store it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				out, err := svc.Process(ctx, jobID, actorID())
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
}

func jobCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete",
		Short: "Mark a ready job graph complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				st, err := svc.MarkComplete(ctx, jobID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(st.Graph)
			})
		},
	}
}

func jobCaptureCmd() *cobra.Command {
	var eventID, evtType, ts string
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record a capture event (photo, note, transcript segment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := domain.TimelineEvent{EventID: eventID, Type: evtType}
			if ts != "" {
				parsed, err := time.Parse(time.RFC3339, ts)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				ev.Timestamp = parsed
			}
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				saved, err := svc.AddTimelineEvent(ctx, jobID, ev, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "id", "", "event id (generated when empty)")
	cmd.Flags().StringVar(&evtType, "type", "", "event type")
	cmd.Flags().StringVar(&ts, "at", "", "RFC3339 timestamp (now when empty)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func jobLogCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				events, err := svc.Repo.LatestEvents(ctx, n, jobID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader([]any{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow([]any{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func factCmd() *cobra.Command {
	fact := &cobra.Command{Use: "fact", Short: "Record and inspect facts"}
	fact.AddCommand(factAddCmd())
	fact.AddCommand(factListCmd())
	fact.AddCommand(factDependentsCmd())
	return fact
}

func factAddCmd() *cobra.Command {
	var in app.FactInput
	var category, method, value string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a fact",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseValue(value)
			if err != nil {
				return err
			}
			in.Category = domain.FactCategory(category)
			in.ExtractionMethod = domain.ExtractionMethod(method)
			in.Value = v
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				f, err := svc.AddFact(ctx, jobID, in, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "fact category")
	cmd.Flags().StringVar(&in.Key, "key", "", "fact key")
	cmd.Flags().StringVar(&value, "value", "", "value (YAML scalar: 100, true, text)")
	cmd.Flags().StringVar(&in.Unit, "unit", "", "unit")
	cmd.Flags().IntVar(&in.Confidence, "confidence", 80, "confidence 0-100")
	cmd.Flags().StringVar(&method, "method", string(domain.ExtractedManually), "extraction method")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&in.SourceEventID, "source-event", "", "capture event id")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

// parseValue reads a CLI value as a YAML scalar so numbers and booleans keep their type.
func parseValue(raw string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid --value: %w", err)
	}
	if v == nil {
		return raw, nil
	}
	return v, nil
}

func factListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				facts, err := svc.Repo.ListFacts(ctx, jobID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(facts)
				}
				tw := newTable()
				tw.AppendHeader([]any{"ID", "Subject", "Value", "Unit", "Confidence", "Method"})
				for _, f := range facts {
					tw.AppendRow([]any{f.ID, f.Subject().String(), f.Text(), f.Unit, f.Confidence, f.ExtractionMethod})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func factDependentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dependents <fact-id>",
		Short: "List decisions citing a fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				ds, err := svc.DependentDecisions(ctx, jobID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ds)
			})
		},
	}
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{Use: "decision", Short: "Record and audit decisions"}
	dec.AddCommand(decisionAddCmd())
	dec.AddCommand(decisionTrailCmd())
	return dec
}

func decisionAddCmd() *cobra.Command {
	var in app.DecisionInput
	var decisionType, by string
	var rule domain.RuleReference
	var ruleValue float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Type = domain.DecisionType(decisionType)
			in.CreatedBy = domain.Creator(by)
			if rule.Source != "" {
				if cmd.Flags().Changed("rule-value") {
					rule.Value = &ruleValue
				}
				in.Rule = &rule
			}
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				d, warnings, err := svc.AddDecision(ctx, jobID, in, actorID())
				if err != nil {
					return err
				}
				for _, w := range warnings {
					logger.Warn("decision evidence", "decision_id", d.ID, "warning", w)
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&decisionType, "type", "", "decision type")
	cmd.Flags().StringVar(&in.Decision, "decision", "", "decision text")
	cmd.Flags().StringVar(&in.Reasoning, "reasoning", "", "reasoning")
	cmd.Flags().StringVar(&in.MilestoneKey, "milestone", "", "milestone key")
	cmd.Flags().StringSliceVar(&in.EvidenceFactIDs, "evidence", nil, "evidence fact ids")
	cmd.Flags().IntVar(&in.Confidence, "confidence", 0, "confidence 0-100")
	cmd.Flags().StringArrayVar(&in.Risks, "risk", nil, "declared risk (repeatable)")
	cmd.Flags().StringVar(&by, "by", string(domain.CreatedByEngineer), "creator (ai, engineer, system)")
	cmd.Flags().StringVar((*string)(&rule.Source), "rule-source", "", "rule source")
	cmd.Flags().StringVar(&rule.Standard, "rule-standard", "", "rule standard")
	cmd.Flags().StringVar(&rule.Section, "rule-section", "", "rule section")
	cmd.Flags().StringVar(&rule.Description, "rule-description", "", "rule description")
	cmd.Flags().StringVar(&rule.Metric, "rule-metric", "", "rule metric")
	cmd.Flags().Float64Var(&ruleValue, "rule-value", 0, "rule value")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("confidence")
	return cmd
}

func decisionTrailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trail <decision-id>",
		Short: "Show the evidence trail of a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				trail, err := svc.EvidenceTrail(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(trail)
			})
		},
	}
}

func conflictCmd() *cobra.Command {
	c := &cobra.Command{Use: "conflict", Short: "Inspect and resolve conflicts"}
	c.AddCommand(conflictListCmd())
	c.AddCommand(conflictResolveCmd())
	return c
}

func conflictListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts from the last stored pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				items, err := svc.Repo.ListConflicts(ctx, jobID)
				if err != nil {
					return err
				}
				if !all {
					open := items[:0]
					for _, c := range items {
						if c.ResolvedAt == nil {
							open = append(open, c)
						}
					}
					items = open
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printConflicts(items)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func conflictResolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Record an engineer resolution and reprocess",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				out, err := svc.ResolveConflict(ctx, jobID, args[0], resolution, actorID())
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "how the conflict was resolved")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func milestoneCmd() *cobra.Command {
	m := &cobra.Command{Use: "milestone", Short: "Inspect the milestone catalog"}
	m.AddCommand(&cobra.Command{
		Use:   "catalog",
		Short: "List catalog milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			defs := e.Catalog.Definitions()
			if viper.GetBool("json") {
				return printJSON(defs)
			}
			tw := newTable()
			tw.AppendHeader([]any{"Key", "Label", "Criticality", "Required facts", "Depends on"})
			for _, d := range defs {
				cats := make([]string, 0, len(d.RequiredFacts))
				for _, c := range d.RequiredFacts {
					cats = append(cats, string(c))
				}
				tw.AppendRow([]any{d.Key, d.Label, d.Criticality, strings.Join(cats, ", "), strings.Join(d.DependsOn, ", ")})
			}
			tw.Render()
			return nil
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "deps <key>",
		Short: "List transitive prerequisites of a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine()
			if err != nil {
				return err
			}
			deps, err := e.Catalog.TransitiveDependencies(args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(deps)
		},
	})
	return m
}

func processCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process a job graph state file (YAML or JSON) without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var st domain.JobGraphState
			if strings.EqualFold(filepath.Ext(file), ".json") {
				err = json.Unmarshal(data, &st)
			} else {
				err = yaml.Unmarshal(data, &st)
			}
			if err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			e, err := newEngine()
			if err != nil {
				return err
			}
			out, err := e.ProcessState(st)
			if err != nil {
				return err
			}
			return printOutcome(out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "state file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func exportCmd() *cobra.Command {
	var xlsxPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the current assessment of a job graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJob(cmd.Context(), func(ctx context.Context, svc app.Service, jobID string) error {
				out, err := svc.Assess(ctx, jobID)
				if err != nil {
					return err
				}
				if xlsxPath == "" {
					return printJSON(out)
				}
				if err := report.WriteWorkbook(xlsxPath, out); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", xlsxPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "write an Excel workbook to this path")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = appCfg.Server.Addr
			}
			if basePath == "" {
				basePath = appCfg.Server.BasePath
			}
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				handler, err := server.New(server.Config{Service: svc, BasePath: basePath, Logger: logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving heatspec API", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving heatspec API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from heatspec.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from heatspec.yml)")
	return cmd
}

func printOutcome(out engine.Outcome) error {
	if viper.GetBool("json") {
		return printJSON(out)
	}
	s := out.Summary
	c := out.Completeness
	fmt.Printf("Job %s  status=%s  confidence=%d  complete=%d/%d (%d%%)\n",
		s.JobGraphID, s.Status, s.OverallConfidence, s.CompletedMilestones, s.TotalMilestones, c.OverallPercentage)
	fmt.Printf("Ready: quote=%t pdf=%t portal=%t  critical=%d warning=%d\n",
		c.ReadyForQuote, c.ReadyForPDF, c.ReadyForPortal, s.CriticalConflicts, s.WarningConflicts)
	if len(c.MissingCriticalFacts) > 0 {
		fmt.Printf("Missing critical facts: %s\n", strings.Join(c.MissingCriticalFacts, ", "))
	}
	printMilestones(out.State.Milestones)
	if len(c.UnresolvedConflicts) > 0 {
		printConflicts(c.UnresolvedConflicts)
	}
	for _, r := range out.Validation {
		for _, rec := range r.Recommendations {
			fmt.Printf("[%s] %s\n", r.Standard, rec)
		}
	}
	return nil
}

func printMilestones(ms []domain.Milestone) {
	tw := newTable()
	tw.AppendHeader([]any{"Key", "Criticality", "Status", "Confidence", "Blockers"})
	for _, m := range ms {
		tw.AppendRow([]any{m.Key, m.Metadata.Criticality, m.Status, m.Confidence, strings.Join(m.Blockers, "; ")})
	}
	tw.Render()
}

func printConflicts(cs []domain.Conflict) {
	tw := newTable()
	tw.AppendHeader([]any{"ID", "Type", "Severity", "Description", "Resolution"})
	for _, c := range cs {
		tw.AppendRow([]any{c.ID, c.ConflictType, c.Severity, c.Description, c.Resolution})
	}
	tw.Render()
}
