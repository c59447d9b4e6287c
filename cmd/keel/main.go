package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/keelrun/keel/pkg/api"
	"github.com/keelrun/keel/pkg/blob"
	"github.com/keelrun/keel/pkg/budget"
	"github.com/keelrun/keel/pkg/config"
	"github.com/keelrun/keel/pkg/envelope"
	"github.com/keelrun/keel/pkg/event"
	"github.com/keelrun/keel/pkg/kernel"
	"github.com/keelrun/keel/pkg/observability"
	"github.com/keelrun/keel/pkg/pdp"
	"github.com/keelrun/keel/pkg/replay"
	"github.com/keelrun/keel/pkg/snapshot"
	"github.com/keelrun/keel/pkg/stream"
	"github.com/keelrun/keel/pkg/wal"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServer(stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "keel — event-sourced agent workflow kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  keel <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   Run the keel server (default)")
	fmt.Fprintln(w, "  replay   Rebuild run state from the event log (--run, --verify)")
	fmt.Fprintln(w, "  health   Check server health over HTTP")
	fmt.Fprintln(w, "  help     Show this help")
}

// fanoutSink delivers each committed event to every registered sink.
type fanoutSink struct {
	sinks []kernel.EventSink
}

func (f *fanoutSink) Publish(ev *event.Event) {
	for _, s := range f.sinks {
		s.Publish(ev)
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func walOptions(p *config.Profile) wal.Options {
	opts := wal.DefaultOptions()
	if p.Durability.SyncMode == string(wal.SyncBatched) {
		opts.Sync = wal.SyncBatched
		if p.Durability.BatchSize > 0 {
			opts.BatchSize = p.Durability.BatchSize
		}
		if p.Durability.BatchIntervalMs > 0 {
			opts.BatchInterval = p.Durability.BatchInterval()
		}
	}
	return opts
}

func streamOptions(p *config.Profile) stream.Options {
	opts := stream.DefaultOptions()
	if p.Stream.Buffer > 0 {
		opts.Buffer = p.Stream.Buffer
	}
	if p.Stream.Backpressure == string(stream.BackpressureDrop) {
		opts.Policy = stream.BackpressureDrop
	}
	return opts
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	log := logger.With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
	if err != nil {
		log.Warn("profile not found, using defaults", "profile", cfg.Profile, "error", err)
		profile = config.DefaultProfile()
	}
	log.Info("profile loaded", "name", profile.Name, "code", profile.Code,
		"sync_mode", profile.Durability.SyncMode)

	// Telemetry is on only when an OTLP endpoint is configured.
	obsCfg := observability.DefaultConfig()
	obsCfg.Environment = profile.Code
	obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	obsCfg.Enabled = obsCfg.OTLPEndpoint != ""
	obsCfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Error("observability init failed", "error", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// Budget storage: postgres when DATABASE_URL is set, sqlite otherwise.
	var storage budget.Storage
	var closers []func() error
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Error("postgres open failed", "error", err)
			return 1
		}
		if err := db.PingContext(ctx); err != nil {
			log.Error("postgres ping failed", "error", err)
			return 1
		}
		pg := budget.NewPostgresStorage(db)
		if err := pg.Init(ctx); err != nil {
			log.Error("budget store init failed", "error", err)
			return 1
		}
		storage = pg
		closers = append(closers, db.Close)
		log.Info("budget storage ready", "backend", "postgres")
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			log.Error("data dir create failed", "dir", cfg.DataDir, "error", err)
			return 1
		}
		sq, err := budget.OpenSQLiteStorage(filepath.Join(cfg.DataDir, "budget.db"))
		if err != nil {
			log.Error("sqlite open failed", "error", err)
			return 1
		}
		storage = sq
		closers = append(closers, sq.Close)
		log.Info("budget storage ready", "backend", "sqlite")
	}

	defaults := budget.Limits{
		MaxTokens:     profile.Budget.MaxTokens,
		MaxCostMicros: profile.Budget.MaxCostMicros,
	}
	meter := budget.NewMeter(storage, defaults)

	// Policy: CEL pack when configured, otherwise permit everything.
	var policy pdp.DecisionPoint = pdp.AllowAll{}
	if cfg.PolicyPack != "" {
		pack, err := pdp.LoadPackFile(cfg.PolicyPack)
		if err != nil {
			log.Error("policy pack load failed", "path", cfg.PolicyPack, "error", err)
			return 1
		}
		engine, err := pdp.NewCELEngine(pack)
		if err != nil {
			log.Error("policy engine init failed", "error", err)
			return 1
		}
		policy = pdp.NewStore(engine)
		log.Info("policy pack loaded", "path", cfg.PolicyPack, "hash", engine.PolicyHash())
	} else {
		log.Warn("no policy pack configured, all actions permitted")
	}

	walDir := filepath.Join(cfg.DataDir, "wal")
	snapDir := filepath.Join(cfg.DataDir, "snapshots")
	snaps := snapshot.NewManager(snapDir)

	// Oversized payloads leave the log and go to the blob store; the event
	// body then carries only the content-addressed ref.
	blobs, err := blob.NewStore(ctx, blob.Settings{
		Backend: blob.Backend(profile.BlobBackend),
		Dir:     filepath.Join(cfg.DataDir, "blobs"),
		S3: blob.S3Config{
			Bucket:   os.Getenv("BLOB_S3_BUCKET"),
			Region:   os.Getenv("BLOB_S3_REGION"),
			Endpoint: os.Getenv("BLOB_S3_ENDPOINT"),
		},
		GCS: blob.GCSConfig{Bucket: os.Getenv("BLOB_GCS_BUCKET")},
	})
	if err != nil {
		log.Error("blob store init failed", "backend", profile.BlobBackend, "error", err)
		return 1
	}
	log.Info("blob store ready", "backend", profile.BlobBackend,
		"threshold_bytes", profile.BlobThresholdBytes)

	publisher := stream.NewPublisher(walDir, streamOptions(profile))
	timeline := observability.NewAuditTimeline()
	metrics := observability.NewMetricsSink(obs)

	orch := kernel.New(kernel.Config{
		WALDir: walDir,
		WAL:    walOptions(profile),
		SnapshotTrigger: snapshot.Trigger{
			EveryEvents: profile.Snapshots.EveryEvents,
			MaxAge:      profile.Snapshots.MaxAge(),
		},
		DefaultTaskTimeout:    profile.Tasks.DefaultTimeout(),
		DefaultBudget:         defaults,
		BlockOnBudgetExceeded: profile.Budget.BlockOnExceeded,
		Blobs:                 blobs,
		BlobThreshold:         profile.BlobThresholdBytes,
	}, envelope.NewValidator(), policy, meter, snaps).
		WithSink(&fanoutSink{sinks: []kernel.EventSink{publisher, timeline, metrics}})

	// Recover every run found on disk before accepting traffic.
	engine := replay.NewEngine(walDir, snaps)
	states, err := engine.RebuildAll()
	if err != nil {
		log.Error("recovery failed", "error", err)
		return 1
	}
	restored := 0
	for _, state := range states {
		if err := orch.Restore(ctx, state); err != nil {
			log.Error("run restore failed", "run_id", state.RunID, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		log.Info("runs recovered", "count", restored)
	}

	server := api.NewServer(orch, publisher)

	var limiter api.Limiter
	if cfg.RedisURL != "" {
		addr := strings.TrimPrefix(cfg.RedisURL, "redis://")
		rl := api.NewRedisLimiter(addr, "", 0,
			profile.RateLimit.RequestsPerSecond, profile.RateLimit.Burst)
		closers = append(closers, rl.Close)
		limiter = rl
		log.Info("rate limiter ready", "backend", "redis")
	} else {
		limiter = api.NewLocalLimiter(profile.RateLimit.RequestsPerSecond, profile.RateLimit.Burst)
	}

	middleware := []func(http.Handler) http.Handler{
		api.RequestIDMiddleware,
		api.RateLimitMiddleware(limiter),
	}
	if cfg.JWTSecret != "" {
		middleware = append(middleware, api.AuthMiddleware([]byte(cfg.JWTSecret)))
	} else {
		log.Warn("JWT_SECRET not set, API authentication disabled")
	}
	handler := api.Chain(server.Routes(), middleware...)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	publisher.Close()
	if err := orch.Close(); err != nil {
		log.Error("orchestrator close failed", "error", err)
	}
	for _, c := range closers {
		if err := c(); err != nil {
			log.Error("close failed", "error", err)
		}
	}
	return 0
}

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dataDir    string
		runID      string
		verify     string
		jsonOutput bool
	)
	cmd.StringVar(&dataDir, "data", "data", "Data directory containing wal/ and snapshots/")
	cmd.StringVar(&runID, "run", "", "Run ID to rebuild (REQUIRED)")
	cmd.StringVar(&verify, "verify", "", "Expected state hash to verify against")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if runID == "" {
		fmt.Fprintln(stderr, "error: --run is required")
		cmd.Usage()
		return 2
	}

	walDir := filepath.Join(dataDir, "wal")
	snaps := snapshot.NewManager(filepath.Join(dataDir, "snapshots"))
	engine := replay.NewEngine(walDir, snaps)

	state, err := engine.Rebuild(runID)
	if err != nil {
		fmt.Fprintf(stderr, "replay failed: %v\n", err)
		return 1
	}
	hash, err := state.Hash()
	if err != nil {
		fmt.Fprintf(stderr, "state hash failed: %v\n", err)
		return 1
	}

	if verify != "" {
		if err := engine.VerifyAgainst(runID, verify); err != nil {
			fmt.Fprintf(stderr, "verification failed: %v\n", err)
			return 1
		}
	}

	if jsonOutput {
		out := map[string]any{
			"run_id":        state.RunID,
			"status":        state.Status,
			"last_sequence": state.LastAppliedSequence,
			"state_hash":    hash,
			"used_tokens":   state.Budget.UsedTokens,
			"pending_tasks": state.PendingTasks(),
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "run:      %s\n", state.RunID)
		fmt.Fprintf(stdout, "status:   %s\n", state.Status)
		fmt.Fprintf(stdout, "sequence: %d\n", state.LastAppliedSequence)
		fmt.Fprintf(stdout, "hash:     %s\n", hash)
		if verify != "" {
			fmt.Fprintln(stdout, "verify:   ok")
		}
	}
	return 0
}

func runHealthCmd(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
