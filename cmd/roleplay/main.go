package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/roleplay/internal/cohort"
	"github.com/pavelanni/roleplay/internal/conversation"
	"github.com/pavelanni/roleplay/internal/grading"
	"github.com/pavelanni/roleplay/internal/handler"
	appI18n "github.com/pavelanni/roleplay/internal/i18n"
	"github.com/pavelanni/roleplay/internal/inflight"
	"github.com/pavelanni/roleplay/internal/llm"
	"github.com/pavelanni/roleplay/internal/llm/prompts"
	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/store"
	"github.com/pavelanni/roleplay/internal/upstream"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "roleplay",
		Short: "Stakeholder role-play trainer with AI grading",
	}

	serve := serveCmd()
	root.AddCommand(serve, seedCmd(), exportCmd(), sweepCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `roleplay --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func commonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "roleplay.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON API server",
		RunE:  runServe,
	}
	def := model.DefaultConfig()
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("seed", "", "Reference data JSON to import when the catalog is empty")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Bool("llm-clustering", true, "Rank common struggles with the LLM (falls back to frequency)")
	f.StringP("lang", "l", "en", "Default label language (en, ru)")
	f.String("prompt-variant", def.PromptVariant, "Grading prompt variant (strict, standard, lenient)")
	f.String("redis-url", "", "Redis URL for the in-flight guard (empty = in-process)")
	f.StringSlice("cors-origins", def.CORSAllowedOrigins, "Browser origins allowed to call the API")
	f.Int("min-context-length", def.MinContextLength, "Minimum characters in a conversation context")
	f.Int("default-max-turns", def.DefaultMaxTurns, "Turn limit for scenarios that do not set one")
	f.Int("upstream-retries", def.UpstreamRetries, "Extra LLM attempts after a failure")
	f.Duration("upstream-retry-delay", def.UpstreamRetryDelay, "Pause between LLM attempts")
	f.Duration("inflight-ttl", def.InflightTTL, "Maximum time a send or end may hold a conversation")
	f.Float64("attention-threshold", def.AttentionThreshold, "Average percent below which a student needs attention")
	f.Float64("review-confidence", def.ReviewConfidence, "AI confidence below which a grade needs review")
	f.Duration("active-window", def.ActiveWindow, "A student is active if they started a conversation within this window")
	f.Int("struggle-limit", def.StruggleLimit, "Number of common struggles on the instructor dashboard")
	f.Duration("sweep-interval", 0, "Abandon idle conversations on this interval (0 = disabled)")
	f.Duration("idle", 2*time.Hour, "Idle time after which an in-progress conversation is abandoned")
	commonFlags(cmd)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed [files...]",
		Short: "Import personas, scenarios, students and assignments",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSeed,
	}
	commonFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export conversations, grades and revisions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("prompt-variant", model.DefaultConfig().PromptVariant, "Prompt variant included in export metadata")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	commonFlags(cmd)
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Abandon in-progress conversations with no recent activity",
		RunE:  runSweep,
	}
	f := cmd.Flags()
	f.Duration("idle", 2*time.Hour, "Idle time after which an in-progress conversation is abandoned")
	f.String("redis-url", "", "Redis URL of the serving guard, so busy conversations are skipped")
	f.Duration("inflight-ttl", model.DefaultConfig().InflightTTL, "Guard lock TTL")
	commonFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ROLEPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("roleplay")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/roleplay")
	v.AddConfigPath("/etc/roleplay")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// configFromViper reads the runtime knobs. Unset keys keep their defaults.
func configFromViper(v *viper.Viper) model.Config {
	cfg := model.DefaultConfig()
	if v.IsSet("min-context-length") {
		cfg.MinContextLength = v.GetInt("min-context-length")
	}
	if v.IsSet("default-max-turns") {
		cfg.DefaultMaxTurns = v.GetInt("default-max-turns")
	}
	if v.IsSet("upstream-retries") {
		cfg.UpstreamRetries = v.GetInt("upstream-retries")
	}
	if v.IsSet("upstream-retry-delay") {
		cfg.UpstreamRetryDelay = v.GetDuration("upstream-retry-delay")
	}
	if v.IsSet("inflight-ttl") {
		cfg.InflightTTL = v.GetDuration("inflight-ttl")
	}
	if v.IsSet("attention-threshold") {
		cfg.AttentionThreshold = v.GetFloat64("attention-threshold")
	}
	if v.IsSet("review-confidence") {
		cfg.ReviewConfidence = v.GetFloat64("review-confidence")
	}
	if v.IsSet("active-window") {
		cfg.ActiveWindow = v.GetDuration("active-window")
	}
	if v.IsSet("struggle-limit") {
		cfg.StruggleLimit = v.GetInt("struggle-limit")
	}
	if v.IsSet("cors-origins") {
		cfg.CORSAllowedOrigins = v.GetStringSlice("cors-origins")
	}

	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	cfg.PromptVariant = variant
	return cfg
}

// newGuard connects to Redis when a URL is configured and falls back to an
// in-process guard otherwise. The returned close func is never nil.
func newGuard(ctx context.Context, redisURL string, ttl time.Duration) (inflight.Guard, func(), error) {
	if redisURL == "" {
		return inflight.NewMemory(), func() {}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis health check: %w", err)
	}
	slog.Info("using redis in-flight guard", "addr", opts.Addr)
	return inflight.NewRedis(client, ttl), func() { client.Close() }, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	cfg := configFromViper(v)

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if path := v.GetString("seed"); path != "" {
		count, err := db.CatalogCount(ctx)
		if err != nil {
			return fmt.Errorf("count catalog: %w", err)
		}
		if count == 0 {
			if err := loadSeed(ctx, db, []string{path}); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
		}
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	// Create LLM client.
	llmClient, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		prompts.PromptVariant(cfg.PromptVariant),
		cfg.DefaultMaxTurns,
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if err := llmClient.Ping(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	guard, closeGuard, err := newGuard(ctx, v.GetString("redis-url"), cfg.InflightTTL)
	if err != nil {
		return err
	}
	defer closeGuard()

	var clusterer cohort.Clusterer
	if v.GetBool("llm-clustering") {
		clusterer = llmClient
	}
	conversations := conversation.NewService(db, llmClient, guard, cfg)
	grades := grading.NewService(db, llmClient, upstream.Policy{Retries: cfg.UpstreamRetries, Delay: cfg.UpstreamRetryDelay})
	dashboards := cohort.NewService(db, clusterer, cfg)
	h := handler.New(db, conversations, grades, dashboards, cfg)

	if every := v.GetDuration("sweep-interval"); every > 0 {
		sweepCtx, stop := context.WithCancel(ctx)
		defer stop()
		go sweepLoop(sweepCtx, conversations, every, v.GetDuration("idle"))
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"prompt_variant", cfg.PromptVariant,
		"redis", v.GetString("redis-url") != "",
		"cors_origins", cfg.CORSAllowedOrigins,
	)
	return http.ListenAndServe(addr, r)
}

func sweepLoop(ctx context.Context, svc *conversation.Service, every, idle time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := svc.SweepStale(ctx, idle); err != nil {
				slog.Error("sweep stale conversations", "error", err)
			}
		}
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return loadSeed(cmd.Context(), db, args)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cfg := model.DefaultConfig()
	cfg.InflightTTL = v.GetDuration("inflight-ttl")
	guard, closeGuard, err := newGuard(ctx, v.GetString("redis-url"), cfg.InflightTTL)
	if err != nil {
		return err
	}
	defer closeGuard()

	// Abandon never generates, so no generator is needed.
	svc := conversation.NewService(db, nil, guard, cfg)
	n, err := svc.SweepStale(ctx, v.GetDuration("idle"))
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "abandoned %d conversation(s)\n", n)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	students, err := db.ListStudents(ctx)
	if err != nil {
		return fmt.Errorf("list students: %w", err)
	}
	conversations, err := db.ExportAll(ctx)
	if err != nil {
		return fmt.Errorf("export conversations: %w", err)
	}

	export := model.Export{
		ExportedAt:    time.Now().UTC(),
		PromptVariant: v.GetString("prompt-variant"),
		Students:      students,
		Conversations: conversations,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported conversations", "count", len(conversations))
	return nil
}
