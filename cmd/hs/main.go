package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"heatspec/internal/app"
	"heatspec/internal/config"
	"heatspec/internal/db"
	"heatspec/internal/engine"
	"heatspec/internal/migrate"
)

var (
	appCfg   *config.Config
	logger   *slog.Logger
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "hs",
	Short: "Heatspec CLI",
	Long: `Heatspec orchestrates heating survey job graphs.
Core concepts:
- Job graph: one per survey visit; it owns facts, decisions, conflicts and milestones.
- Facts: immutable observations (category + key + value + confidence). Corrections are new facts.
- Decisions: choices backed by evidence facts and, optionally, a rule reference.
- Conflicts: contradictions, validation failures, incompatibilities and missing data. Unresolved critical conflicts block the job.
- Milestones: 15 catalog checkpoints; the 7 critical ones gate quote, PDF and portal outputs.
- Processing: 'hs job process' recomputes conflicts, milestones and readiness and stores the pass.
- Event log: audit trail of changes, view with 'hs job log'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.Workspace(workspace).Ensure(); err != nil {
			return err
		}
		cfg, err := config.LoadOptional(workspace)
		if err != nil {
			return err
		}
		if cfg == nil {
			cfg = config.Default()
		}
		if lvl := viper.GetString("log-level"); lvl != "" {
			cfg.Log.Level = lvl
		}
		if p := viper.GetString("mi-precedence"); p != "" {
			cfg.Engine.MIPrecedence = p
		}
		if sc := viper.GetString("confidence-scope"); sc != "" {
			cfg.Engine.ConfidenceScope = sc
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		l, cleanup, err := cfg.SetupLogger(os.Stderr)
		if err != nil {
			return err
		}
		appCfg, logger, closeLog = cfg, l, cleanup
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	workspace, _ := rootCmd.PersistentFlags().GetString("workspace")
	// .env values never override the real environment
	_ = godotenv.Load(filepath.Join(workspace, ".env"))
	viper.SetEnvPrefix("HEATSPEC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("job", "", "job graph id or visit id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("mi-precedence", "", "override engine.mi_precedence")
	rootCmd.PersistentFlags().String("confidence-scope", "", "override engine.confidence_scope (job, milestone)")
	for _, name := range []string{"workspace", "json", "actor-id", "job", "log-level", "mi-precedence", "confidence-scope"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(factCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(conflictCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create heatspec.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Workspace(workspace))
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Apply(cmd.Context(), conn)
			if err != nil {
				return err
			}
			for _, name := range applied {
				logger.Info("migration applied", "name", name)
			}
			fmt.Printf("Wrote %s and initialised %s\n", path, db.Workspace(workspace).DBPath())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// --- helpers ---

func newEngine() (engine.Engine, error) {
	e, err := engine.New(appCfg)
	if err != nil {
		return engine.Engine{}, err
	}
	e.Logger = logger
	return e, nil
}

func withService(ctx context.Context, fn func(context.Context, app.Service) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Workspace(workspace))
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e, err := newEngine()
	if err != nil {
		return err
	}
	return fn(ctx, app.NewService(conn, e))
}

// withJob resolves --job (or HEATSPEC_JOB) to a job graph ID before calling fn.
func withJob(ctx context.Context, fn func(context.Context, app.Service, string) error) error {
	return withService(ctx, func(ctx context.Context, svc app.Service) error {
		jobID, err := app.ResolveJobGraphID(ctx, svc.Repo, viper.GetString("job"))
		if err != nil {
			return err
		}
		return fn(ctx, svc, jobID)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
