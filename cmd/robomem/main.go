package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/extract"
	"github.com/robomem/robomem/pkg/jobs"
	"github.com/robomem/robomem/pkg/store"
	"github.com/robomem/robomem/pkg/telemetry"
)

// Populated via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		overrides   core.CLIOverrides
		metricsAddr string
		ollamaURL   string
	)

	rootCmd := &cobra.Command{
		Use:          "robomem",
		Short:        "robomem - hierarchical memory engine for robot fleets",
		Long:         "A token-budgeted working-memory cache in front of a Postgres long-term store, with vector/fulltext/hybrid search, hierarchical tags, and group sync over NOTIFY/LISTEN.",
		SilenceUsage: true,
	}

	// CLI flags - highest priority in the config hierarchy.
	f := rootCmd.PersistentFlags()
	overrides.ConfigPath = f.StringP("config", "f", "", "Path to YAML config file (overrides ROBOMEM_CONFIG env)")
	overrides.Environment = f.String("env", "", "Environment: development|test|production")
	overrides.DatabaseURL = f.String("database-url", "", "Postgres connection URL")
	overrides.PoolSize = f.Int("pool-size", 0, "Maximum open database connections")
	overrides.JobBackend = f.String("job-backend", "", "Job dispatcher backend: inline|thread|pool|queue")
	overrides.WMMaxTokens = f.Int("wm-max-tokens", 0, "Working-memory token budget per robot")
	overrides.TelemetryEnabled = f.Bool("telemetry", true, "Enable Prometheus instruments")
	overrides.LogLevel = f.String("log-level", "", "Log level: trace|debug|info|warn|error")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with metrics and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), &overrides)
			if err != nil {
				return err
			}
			return serve(cfg, metricsAddr, ollamaURL)
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9815", "Listen address for /metrics, /healthz and /stats")
	serveCmd.Flags().StringVar(&ollamaURL, "ollama-url", "http://localhost:11434", "Base URL of the Ollama instance for the ollama provider")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), &overrides)
			if err != nil {
				return err
			}
			return migrate(cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("robomem %s (%s)\n", version, commit)
		},
	}

	rootCmd.AddCommand(serveCmd, schemaCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the four-level hierarchy and validates the result.
func loadConfig(flags *pflag.FlagSet, overrides *core.CLIOverrides) (*core.Config, error) {
	configPath := ""
	if overrides.ConfigPath != nil && *overrides.ConfigPath != "" {
		configPath = *overrides.ConfigPath
	} else {
		configPath = os.Getenv("ROBOMEM_CONFIG")
	}

	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	applyExplicitFlags(flags, cfg, overrides)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyExplicitFlags applies only the CLI flags the user actually set, so
// unset flags never shadow values resolved from YAML or the environment.
func applyExplicitFlags(flags *pflag.FlagSet, cfg *core.Config, o *core.CLIOverrides) {
	set := core.CLIOverrides{}

	if flags.Changed("env") {
		set.Environment = o.Environment
	}
	if flags.Changed("database-url") {
		set.DatabaseURL = o.DatabaseURL
	}
	if flags.Changed("pool-size") {
		set.PoolSize = o.PoolSize
	}
	if flags.Changed("job-backend") {
		set.JobBackend = o.JobBackend
	}
	if flags.Changed("wm-max-tokens") {
		set.WMMaxTokens = o.WMMaxTokens
	}
	if flags.Changed("telemetry") {
		set.TelemetryEnabled = o.TelemetryEnabled
	}
	if flags.Changed("log-level") {
		set.LogLevel = o.LogLevel
	}

	cfg.ApplyCLIOverrides(&set)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// serve opens the store, starts the dispatcher, and blocks on the metrics
// server until a shutdown signal arrives.
func serve(cfg *core.Config, metricsAddr, ollamaURL string) error {
	log := newLogger(cfg.LogLevel)
	tel := telemetry.New(cfg.TelemetryEnabled)

	registry := extract.NewRegistry()
	registerProviders(registry, ollamaURL)

	embedSvc, tagSvc, propSvc, err := buildServices(registry, cfg, log, tel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg, embedSvc, tagSvc, log, tel)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	log.Info().Str("database", cfg.Database.Name).Msg("store opened")

	dispatcher, err := jobs.NewDispatcher(cfg.Jobs, log, tel)
	if err != nil {
		return err
	}
	enricher := jobs.NewEnricher(st, embedSvc, tagSvc, propSvc, dispatcher, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/remember", rememberHandler(st, enricher, log))
	mux.HandleFunc("/recall", recallHandler(st))
	if reg := tel.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := st.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stats["dispatcher"] = map[string]any{"backend": dispatcher.Backend()}
		stats["version"] = version
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})

	server := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", metricsAddr).Msg("metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server")
		}
	}()

	log.Info().Str("version", version).Str("environment", cfg.Environment).Msg("robomem ready")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("dispatcher shutdown")
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// buildServices resolves the configured providers into extractor services.
// A provider without a registered factory is a startup error for embeddings;
// tag and proposition extraction degrade to no-ops with a warning.
func buildServices(registry *extract.Registry, cfg *core.Config, log zerolog.Logger, tel *telemetry.Telemetry) (*extract.EmbeddingService, *extract.TagService, *extract.PropositionService, error) {
	embedCallables, err := registry.New(cfg.Embedding.Provider, cfg.Embedding.Model)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("embedding provider: %w (available: %v)", err, registry.Providers())
	}
	embedSvc := extract.NewEmbeddingService(embedCallables.Embed, cfg.Embedding, cfg.Breaker, log, tel)

	tagFn := noTags
	if c, err := registry.New(cfg.Tag.Provider, cfg.Tag.Model); err == nil && c.ExtractTags != nil {
		tagFn = c.ExtractTags
	} else {
		log.Warn().Str("provider", cfg.Tag.Provider).Msg("no tag extractor available, tag extraction disabled")
	}
	tagSvc := extract.NewTagService(tagFn, cfg.Tag, cfg.Breaker, log, tel)

	var propSvc *extract.PropositionService
	if cfg.Proposition.Enabled {
		if c, err := registry.New(cfg.Proposition.Provider, cfg.Proposition.Model); err == nil && c.ExtractPropositions != nil {
			propSvc = extract.NewPropositionService(c.ExtractPropositions, cfg.Proposition, cfg.Breaker, log, tel)
		} else {
			log.Warn().Str("provider", cfg.Proposition.Provider).Msg("no proposition extractor available, expansion disabled")
		}
	}
	return embedSvc, tagSvc, propSvc, nil
}

func noTags(ctx context.Context, text string, ontology []string) ([]string, error) {
	return nil, nil
}

// rememberHandler stores one node for a robot and enqueues enrichment.
func rememberHandler(st *store.Store, enricher *jobs.Enricher, log zerolog.Logger) http.HandlerFunc {
	type request struct {
		Robot    string         `json:"robot"`
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		robot, err := st.EnsureRobot(r.Context(), req.Robot)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		res, err := st.Add(r.Context(), req.Content, core.ApproxTokens(req.Content), robot.ID, nil, req.Metadata)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if res.IsNew {
			if _, err := enricher.EnqueueNode(res.NodeID, robot.ID); err != nil {
				log.Warn().Err(err).Int64("node", int64(res.NodeID)).Msg("enqueueing enrichment")
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"node_id": res.NodeID,
			"is_new":  res.IsNew,
		})
	}
}

// recallHandler runs a relevance search: GET /recall?q=...&limit=N.
func recallHandler(st *store.Store) http.HandlerFunc {
	type hit struct {
		NodeID    core.NodeID `json:"node_id"`
		Content   string      `json:"content"`
		Relevance float64     `json:"relevance"`
		Tags      []string    `json:"tags,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			http.Error(w, "q parameter is required", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		results, err := st.SearchWithRelevance(r.Context(), query, store.SearchOptions{Limit: limit})
		if err != nil {
			writeEngineError(w, err)
			return
		}

		hits := make([]hit, len(results))
		for i, res := range results {
			hits[i] = hit{
				NodeID:    res.Node.ID,
				Content:   res.Node.Content,
				Relevance: res.Relevance,
				Tags:      res.Tags,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": hits})
	}
}

// writeEngineError maps error kinds onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsKind(err, core.KindValidation):
		status = http.StatusBadRequest
	case core.IsKind(err, core.KindNotFound):
		status = http.StatusNotFound
	case core.IsKind(err, core.KindQueryTimeout):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}

// migrate applies the schema statements and exits.
func migrate(cfg *core.Config) error {
	log := newLogger(cfg.LogLevel)

	// Schema work never needs extractors.
	embedSvc := extract.NewEmbeddingService(nil, cfg.Embedding, cfg.Breaker, log, nil)
	tagSvc := extract.NewTagService(noTags, cfg.Tag, cfg.Breaker, log, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	st, err := store.Open(ctx, cfg, embedSvc, tagSvc, log, nil)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	log.Info().Str("database", cfg.Database.Name).Msg("schema up to date")
	return nil
}
