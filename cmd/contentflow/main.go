package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/StepTenInc/contentflow/internal/format"
	"github.com/StepTenInc/contentflow/internal/logging"
	"github.com/StepTenInc/contentflow/pkg/api"
	"github.com/StepTenInc/contentflow/pkg/errlog"
	"github.com/StepTenInc/contentflow/pkg/pipeline"
	"github.com/StepTenInc/contentflow/pkg/stage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	stagesFile   string
	logLevel     string
	logFormat    string
	baseURL      string
	outputFormat string
	memStore     bool
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "contentflow",
		Short: "Multi-stage article pipeline with a production queue",
		Long: `Contentflow turns a brief into a published article by running it through
	research, plan, write, humanize, seo, meta and finalize stages, and drains
	a production queue of planned articles one run at a time.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&stagesFile, "stages", "", "path to stage manifest")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "base URL of the stage endpoints")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "output format (table, markdown)")
	rootCmd.PersistentFlags().BoolVar(&memStore, "mem", false, "keep records in memory instead of SQLite")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(pipelinesCmd())
	rootCmd.AddCommand(redoCmd())
	rootCmd.AddCommand(errorsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var req pipeline.Request

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one brief through every stage",
		Long: `Runs the full pipeline for a brief against the configured stage endpoints.
	The brief is read from --brief, or from stdin when the flag is empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Brief == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				req.Brief = strings.TrimSpace(string(data))
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := a.orch.Run(ctx, req)
			if err != nil {
				var stageErr *pipeline.StageError
				if errors.As(err, &stageErr) {
					fmt.Fprintf(os.Stderr, "Pipeline %s failed at %s after %s\n",
						stageErr.PipelineID, stageErr.Stage, format.Seconds(stageErr.Duration.Seconds()))
				}
				return err
			}

			tb := format.NewTable(format.ParseMode(outputFormat))
			tb.Header("Field", "Value")
			tb.Row("pipeline", res.PipelineID)
			tb.Row("duration", format.Seconds(res.TotalDuration))
			if q, ok := res.Quality.(map[string]any); ok {
				for _, k := range []string{"wordCount", "wordCountStatus", "score", "readability"} {
					if v, ok := q[k]; ok {
						tb.Row(k, v)
					}
				}
			}
			if art, ok := res.Article.(map[string]any); ok {
				tb.Row("article", art["id"])
				tb.Row("status", art["status"])
			}
			fmt.Println(tb.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&req.Brief, "brief", "b", "", "article brief (defaults to stdin)")
	cmd.Flags().StringVar(&req.Topic, "topic", "", "article topic")
	cmd.Flags().StringVar(&req.FocusKeyword, "keyword", "", "focus keyword")
	cmd.Flags().StringVar(&req.SiloTopic, "silo", "", "silo topic")
	cmd.Flags().StringVar(&req.Slug, "slug", "", "article slug")
	cmd.Flags().StringVar(&req.Level, "level", "", "article level (PILLAR, SUPPORTING)")
	cmd.Flags().BoolVar(&req.AutoPublish, "auto-publish", false, "publish on finalize")
	cmd.Flags().BoolVar(&req.ForcePublish, "force-publish", false, "publish even below the minimum word count")

	return cmd
}

func serveCmd() *cobra.Command {
	var withStages bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and drain the production queue",
		Long: `Starts the HTTP API and the queue worker. With --with-stages the bundled
	stage endpoints are served too, sharing the same store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := api.New(a.store, a.orch, a.worker,
				api.WithLogger(logging.New("api")),
				api.WithMetrics(a.metrics.Handler()))

			var stages http.Handler
			if withStages {
				host, err := a.stageHost()
				if err != nil {
					return err
				}
				stages = host.Handler()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return listen(gctx, a.cfg.ListenAddr, srv.Handler())
			})
			g.Go(func() error {
				return a.worker.Run(gctx)
			})
			if stages != nil {
				g.Go(func() error {
					return listen(gctx, a.cfg.StageHostAddr, stages)
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&withStages, "with-stages", false, "also serve the bundled stage endpoints")

	return cmd
}

func stagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "Serve the bundled stage endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			host, err := a.stageHost()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return listen(ctx, a.cfg.StageHostAddr, host.Handler())
		},
	}
}

// listen serves h on addr until ctx is done, then shuts down gracefully.
func listen(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	logger := logging.New("http")

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down", "addr", addr)
		return srv.Shutdown(shutdownCtx)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and print the stage layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			specs := cfg.Stages.Specs()
			tb := format.NewTable(format.ParseMode(outputFormat))
			tb.Header("#", "Stage", "Path", "Mode", "Timeout", "Retries", "Adapter", "Model", "Key")
			for _, n := range stage.Sequence {
				spec := specs[n]
				route := cfg.Stages.Route(n)
				adapterCol, modelCol, key := "-", "-", "-"
				if n != stage.Finalize {
					adapterCol, modelCol = route.Adapter, route.Model
					key = format.BoolMark(cfg.HasAdapter(route.Adapter))
				}
				tb.Row(n.Index(), n, spec.Path, spec.Mode, spec.Timeout, spec.MaxRetries, adapterCol, modelCol, key)
			}
			tb.Columns(format.ColumnConfig{Number: 1, Align: format.AlignRight})
			fmt.Println(tb.String())
			fmt.Printf("Base URL: %s\nDatabase: %s\n", cfg.BaseURL, cfg.DBPath)
			fmt.Println("Configuration is valid.")
			return nil
		},
	}
}

func errorsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Show the most recent entries of the error log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			records, err := errlog.ReadFile(cfg.ErrorLogPath)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Println("No errors recorded.")
				return nil
			}
			if err != nil {
				return err
			}
			sort.SliceStable(records, func(i, j int) bool {
				return records[i].Timestamp.After(records[j].Timestamp)
			})
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}

			tb := format.NewTable(format.ParseMode(outputFormat))
			tb.Header("When", "Stage", "Pipeline", "Endpoint", "Message")
			for _, r := range records {
				tb.Row(format.Age(r.Timestamp), r.Stage, r.PipelineID, r.Endpoint, format.Truncate(r.Message, 60))
			}
			fmt.Println(tb.String())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")

	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
