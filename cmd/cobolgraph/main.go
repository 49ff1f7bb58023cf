package main

import (
	"cobolgraph/internal/config"
	"cobolgraph/internal/fetch"
	"cobolgraph/internal/logging"
	"cobolgraph/internal/perception"
	"cobolgraph/internal/pipeline"
	"cobolgraph/internal/service"
	"cobolgraph/internal/store"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
	cfg    *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cobolgraph",
	Short: "cobolgraph - COBOL program graph extraction pipeline",
	Long: `cobolgraph reverse-engineers a COBOL source program into a queryable
property graph: source lines, code structure, data entities, line
references, and control flow, committed transactionally.

The pipeline runs five stages. LLM calls classify and extract; all
structural arithmetic (end lines, parent links, ids, name resolution)
is deterministic.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; environment wins over file config either way.
		_ = godotenv.Load()

		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Logging.Workspace, verbose || cfg.Logging.Debug, cfg.Logging.Level); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// analyzeCmd runs the full pipeline for one source program
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze one COBOL source and commit its graph",
	Long: `Runs the five-stage pipeline for a single source program and commits
the resulting graph. The source comes from --file or --gcs-uri.

Example:
  cobolgraph analyze --file DALYTRAN.cbl
  cobolgraph analyze --gcs-uri gs://legacy-sources/DALYTRAN.cbl --db data/graph.db`,
	RunE: runAnalyze,
}

// serveCmd runs the stage-3/4 worker service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the entity and flow workers over HTTP",
	Long: `Starts the worker service that backs distributed pipeline runs:
POST /entities (mode=extract|resolve) and POST /flow. Point an
orchestrator at it via entity_worker_url / flow_worker_url.`,
	RunE: runServe,
}

var (
	analyzeFile   string
	analyzeGCSURI string
	analyzeDB     string
	serveAddr     string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cobolgraph.yaml", "config file path")

	analyzeCmd.Flags().StringVarP(&analyzeFile, "file", "f", "", "local source file to analyze")
	analyzeCmd.Flags().StringVarP(&analyzeGCSURI, "gcs-uri", "g", "", "gs:// object to analyze")
	analyzeCmd.Flags().StringVar(&analyzeDB, "db", "", "graph database path (overrides config)")

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(serveCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := fetch.Request{GCSURI: analyzeGCSURI}
	if analyzeFile != "" {
		data, err := os.ReadFile(analyzeFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", analyzeFile, err)
		}
		req.Content = string(data)
		req.FileName = analyzeFile
	}
	source, err := fetch.NewHTTPFetcher().Fetch(ctx, req)
	if err != nil {
		return err
	}

	dbPath := analyzeDB
	if dbPath == "" {
		dbPath = cfg.DatabasePath()
	}
	graphStore, err := store.NewGraphStore(dbPath)
	if err != nil {
		return err
	}
	defer graphStore.Close()

	orch := pipeline.NewOrchestrator(pipeline.Options{
		Client:              newLLMClient(),
		EntityWorker:        entityWorker(),
		FlowWorker:          flowWorker(),
		Writer:              graphStore,
		ClassifyConcurrency: cfg.Pipeline.ClassifyConcurrency,
		ExtractConcurrency:  cfg.Pipeline.ExtractConcurrency,
		FlowConcurrency:     cfg.Pipeline.FlowConcurrency,
		Out:                 os.Stdout,
	})

	summary, err := orch.Run(ctx, source.Content, source.FileName)
	if err != nil {
		logger.Error("analysis failed", zap.Error(err))
		return err
	}

	logger.Info("analysis committed",
		zap.String("program_id", summary.ProgramID),
		zap.Int("lines", summary.Written.Lines),
		zap.Int("structures", summary.Written.Structures),
		zap.Int("entities", summary.Written.Entities),
		zap.Int("references", summary.Written.References),
		zap.Int("flows", summary.Written.Flows),
		zap.Int("dropped_edges", summary.Flow.DroppedEdges))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	client := newLLMClient()
	srv := service.NewServer(
		&pipeline.LLMEntityWorker{Client: client},
		&pipeline.LLMFlowWorker{Client: client},
	)

	httpServer := &http.Server{Addr: serveAddr, Handler: srv}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker service listening", zap.String("addr", serveAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down worker service")
		return httpServer.Shutdown(context.Background())
	}
}

func newLLMClient() perception.Client {
	return perception.NewGeminiClientWithConfig(perception.GeminiConfig{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.ModelName,
		Timeout:        cfg.LLMTimeout(),
		MaxRetries:     cfg.Pipeline.MaxRetries,
		InitialBackoff: cfg.InitialBackoff(),
	})
}

func entityWorker() pipeline.EntityWorker {
	if url := cfg.Workers.EntityWorkerURL; url != "" {
		return service.NewHTTPEntityWorker(url)
	}
	return nil // orchestrator defaults to in-process
}

func flowWorker() pipeline.FlowWorker {
	if url := cfg.Workers.FlowWorkerURL; url != "" {
		return service.NewHTTPFlowWorker(url)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
