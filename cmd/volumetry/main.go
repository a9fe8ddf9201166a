package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"volumetry/internal/config"
	"volumetry/internal/db"
	"volumetry/internal/domain"
	"volumetry/internal/engine"
	"volumetry/internal/migrate"
	"volumetry/internal/server"
	"volumetry/internal/store"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "volumetry",
	Short: "Volumetry rule engine CLI",
	Long: `Volumetry normalizes monthly imaging billing files before invoicing.
A run walks the ordered rule registry over every record of a billing period:
exclusion rules stamp out records outside the period window, correction rules
rewrite modalities, specialties, priorities, and values, and each rule checks
its own post-condition before the pipeline moves on. Reference data (exam
catalog, priority map, value table) is imported from CSV and every run leaves
a report plus an append-only event trail.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		zcfg := zap.NewProductionConfig()
		if viper.GetBool("debug") {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VOLUMETRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(referenceCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	var fileClass, periodStr string
	var forceRetry, validateOnly bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply the rule registry to a billing period",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParsePeriod(periodStr)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Run(ctx, engine.RunOptions{
					FileClass:    fileClass,
					Period:       p,
					ForceRetry:   forceRetry,
					ValidateOnly: validateOnly,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printReport(report)
				if !report.OverallSuccess {
					return fmt.Errorf("run %s finished with failures", report.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&fileClass, "file-class", engine.FileClassAll, "file class to process (or all-applicable)")
	cmd.Flags().StringVar(&periodStr, "period", "", "billing period (YYYY-MM)")
	cmd.Flags().BoolVar(&forceRetry, "force-retry", false, "replay a rule once when its post-condition fails")
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "check post-conditions without mutating records")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{
		Use:   "report",
		Short: "Inspect run reports",
	}
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportShowCmd())
	return rep
}

func reportListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				reports, err := s.ListRunReports(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Period", "Examined", "Changed", "Excluded", "OK", "Timestamp"})
				for _, r := range reports {
					tw.AppendRow(table.Row{r.ID, r.Period, r.TotalExamined, r.TotalChanged, r.TotalExcluded, r.OverallSuccess, r.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "n", 20, "number of reports")
	return cmd
}

func reportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				report, err := s.GetRunReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printReport(report)
				return nil
			})
		},
	}
	return cmd
}

func referenceCmd() *cobra.Command {
	ref := &cobra.Command{
		Use:   "reference",
		Short: "Manage reference data",
		Long:  "Reference data feeds the correction rules: the exam catalog maps study descriptions to category and specialty, the priority map translates raw priority text, and the value table supplies defaults for unset values.",
	}
	ref.AddCommand(referenceImportCmd())
	return ref
}

func referenceImportCmd() *cobra.Command {
	var kind, filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import reference rows from CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				n, err := importReference(ctx, s, kind, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"kind": kind, "imported": n})
				}
				fmt.Printf("imported %d %s rows\n", n, kind)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "reference kind (catalog, priority, value)")
	cmd.Flags().StringVar(&filePath, "file", "", "path to CSV file")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// importReference reads CSV rows and upserts them. Column layouts:
// catalog: exam_name,category,specialty; priority: raw,canonical;
// value: study_description,value. A header row is detected and skipped.
func importReference(ctx context.Context, s *store.Store, kind string, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	n := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("row %d: %w", n+1, err)
		}
		if n == 0 && looksLikeHeader(kind, row) {
			continue
		}
		switch kind {
		case "catalog":
			if len(row) < 3 {
				return n, fmt.Errorf("row %d: want 3 columns, got %d", n+1, len(row))
			}
			err = s.UpsertCatalogEntry(ctx, domain.CatalogEntry{ExamName: row[0], Category: row[1], Specialty: row[2], Active: true})
		case "priority":
			if len(row) < 2 {
				return n, fmt.Errorf("row %d: want 2 columns, got %d", n+1, len(row))
			}
			err = s.UpsertPriorityMapping(ctx, domain.PriorityMapping{Raw: row[0], Canonical: row[1], Active: true})
		case "value":
			if len(row) < 2 {
				return n, fmt.Errorf("row %d: want 2 columns, got %d", n+1, len(row))
			}
			v, convErr := strconv.Atoi(strings.TrimSpace(row[1]))
			if convErr != nil {
				return n, fmt.Errorf("row %d: value: %w", n+1, convErr)
			}
			err = s.UpsertValueReference(ctx, domain.ValueReference{StudyDescription: row[0], Value: v, Active: true})
		default:
			return n, fmt.Errorf("unknown reference kind %q (want catalog, priority, or value)", kind)
		}
		if err != nil {
			return n, fmt.Errorf("row %d: %w", n+1, err)
		}
		n++
	}
}

func looksLikeHeader(kind string, row []string) bool {
	if len(row) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(row[0]))
	switch kind {
	case "catalog":
		return first == "exam_name"
	case "priority":
		return first == "raw"
	case "value":
		return first == "study_description"
	}
	return false
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   store.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := s.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": raw})
				}
				// The raw key is only shown once.
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				keys, err := s.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				return s.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect engine config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Run event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail run events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				events, err := s.LatestEvents(ctx, n, evtType, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Run", "Class", "Rule"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.RunID, ev.FileClass, ev.RuleName})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg, logger)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("VOLUMETRY_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VOLUMETRY_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving volumetry API", zap.String("addr", addr), zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.New(conn))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, logger))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(r domain.RunReport) {
	fmt.Printf("Run %s  period=%s  success=%v", r.ID, r.Period, r.OverallSuccess)
	if r.Partial {
		fmt.Print("  (partial)")
	}
	fmt.Println()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Rule", "Class", "Examined", "Changed", "Excluded", "Applied", "Valid", "Retried"})
	for _, st := range r.RuleStatuses {
		valid := ""
		if st.ValidationPassed != nil {
			valid = strconv.FormatBool(*st.ValidationPassed)
		}
		tw.AppendRow(table.Row{st.RuleName, st.FileClass, st.RecordsExamined, st.RecordsChanged, st.RecordsExcluded, st.Applied, valid, st.Retried})
	}
	tw.Render()
	fmt.Printf("totals: examined=%d changed=%d excluded=%d\n", r.TotalExamined, r.TotalChanged, r.TotalExcluded)
}
