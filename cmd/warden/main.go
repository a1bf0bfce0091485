// Command warden runs the action governance server.
//
// Subcommands:
//
//	server  run the HTTP server (default)
//	verify  verify the audit chain and exit (2 on a broken chain)
//	health  probe a running server
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wardenhq/warden/pkg/api"
	"github.com/wardenhq/warden/pkg/approval"
	"github.com/wardenhq/warden/pkg/cartridge"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/guardrail"
	"github.com/wardenhq/warden/pkg/ledger"
	"github.com/wardenhq/warden/pkg/mcp"
	"github.com/wardenhq/warden/pkg/observability"
	"github.com/wardenhq/warden/pkg/orchestrator"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/store"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "server"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "server", "serve":
		return runServer(stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: warden <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   Run the governance server (default)")
	fmt.Fprintln(w, "  verify   Verify audit chain integrity and exit")
	fmt.Fprintln(w, "  health   Probe a running server")
	fmt.Fprintln(w, "  help     Show this help")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// stores groups the narrow persistence interfaces the runtime needs.
type stores struct {
	envelopes  store.EnvelopeStore
	approvals  store.ApprovalStore
	policies   store.PolicyStore
	identities store.IdentityStore
	ledger     store.LedgerStore
	spend      store.SpendStore
}

func fromSQL(s *store.SQL) stores {
	return stores{
		envelopes:  s.Envelopes(),
		approvals:  s.Approvals(),
		policies:   s.Policies(),
		identities: s.Identities(),
		ledger:     s.Ledger(),
		spend:      s.Spend(),
	}
}

// openStores selects the persistence backend from DATABASE_URL. Empty
// means the in-memory stores; anything else is Postgres or SQLite.
func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (stores, error) {
	switch {
	case cfg.DatabaseURL == "":
		log.Warn("DATABASE_URL not set, using in-memory stores")
		mem := store.NewMemory()
		return stores{
			envelopes:  mem.Envelopes,
			approvals:  mem.Approvals,
			policies:   mem.Policies,
			identities: mem.Identities,
			ledger:     mem.Ledger,
			spend:      mem.Spend,
		}, nil
	case cfg.IsPostgres():
		s, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return stores{}, fmt.Errorf("open postgres: %w", err)
		}
		log.Info("postgres connected")
		return fromSQL(s), nil
	case cfg.IsSQLite():
		s, err := store.NewSQLite(ctx, cfg.SQLitePath())
		if err != nil {
			return stores{}, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info("sqlite opened", slog.String("path", cfg.SQLitePath()))
		return fromSQL(s), nil
	}
	return stores{}, fmt.Errorf("unrecognized DATABASE_URL scheme")
}

func openEvidence(ctx context.Context, cfg *config.Config, log *slog.Logger) (ledger.EvidenceStore, error) {
	if cfg.EvidenceS3Bucket != "" {
		log.Info("evidence store: s3", slog.String("bucket", cfg.EvidenceS3Bucket))
		return ledger.NewS3EvidenceStore(ctx, ledger.S3Config{
			Bucket: cfg.EvidenceS3Bucket,
			Region: cfg.EvidenceS3Region,
			Prefix: "evidence/",
		})
	}
	log.Info("evidence store: filesystem", slog.String("root", cfg.EvidenceDir))
	return ledger.NewFSEvidenceStore(cfg.EvidenceDir)
}

func runServer(stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "warden",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.SampleRate,
		Enabled:      cfg.OTLPEnabled,
		Insecure:     true,
	}, log)
	if err != nil {
		log.Error("observability init failed", slog.Any("error", err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Error("store init failed", slog.Any("error", err))
		return 1
	}

	evidence, err := openEvidence(ctx, cfg, log)
	if err != nil {
		log.Error("evidence store init failed", slog.Any("error", err))
		return 1
	}
	audit := ledger.New(st.ledger, evidence, log)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Error("invalid REDIS_URL", slog.Any("error", err))
			return 1
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Error("redis unreachable", slog.Any("error", err))
			return 1
		}
		log.Info("redis connected")
	}

	var grState guardrail.State
	if redisClient != nil {
		grState = guardrail.NewRedisState(redisClient, "warden:gr:")
	} else {
		grState = guardrail.NewMemoryState()
	}
	guardrails := guardrail.NewEngine(grState, st.spend)

	engine, err := policy.NewEngine(guardrails, log)
	if err != nil {
		log.Error("policy engine init failed", slog.Any("error", err))
		return 1
	}

	if cfg.PolicyFile != "" {
		policies, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			log.Error("policy file load failed", slog.Any("error", err))
			return 1
		}
		for _, p := range policies {
			if err := st.policies.Put(ctx, p); err != nil {
				log.Error("policy seed failed", slog.String("policy_id", p.ID), slog.Any("error", err))
				return 1
			}
		}
		log.Info("policies loaded", slog.String("file", cfg.PolicyFile), slog.Int("count", len(policies)))
	}

	manager := approval.NewManager(st.approvals, log)

	registry, err := cartridge.NewRegistry(log,
		&cartridge.LoggingInterceptor{Log: log},
		&cartridge.TimeoutInterceptor{Timeout: 60 * time.Second},
	)
	if err != nil {
		log.Error("registry init failed", slog.Any("error", err))
		return 1
	}

	queue := orchestrator.NewQueue(cfg.WorkerConcurrency, log)

	orch, err := orchestrator.New(orchestrator.Config{
		Envelopes:   st.envelopes,
		Identities:  st.identities,
		Policies:    st.policies,
		Spend:       st.spend,
		Approvals:   manager,
		Audit:       audit,
		Engine:      engine,
		Guardrails:  guardrails,
		Registry:    registry,
		Queue:       queue,
		Log:         log,
		ApprovalTTL: cfg.ApprovalTTL,
	})
	if err != nil {
		log.Error("orchestrator init failed", slog.Any("error", err))
		return 1
	}

	queue.Start(func(jobCtx context.Context, envelopeID string) {
		if _, err := orch.ExecuteApproved(jobCtx, envelopeID); err != nil {
			log.Error("queued execution failed",
				slog.String("envelope_id", envelopeID), slog.Any("error", err))
		}
	})

	sweeper := approval.NewSweeper(st.approvals, audit, 30*time.Second, log)
	sweeper.OnExpired = orch.HandleExpiredApproval
	go sweeper.Run(ctx)

	verifyJob := ledger.NewVerifyJob(audit, 24*time.Hour, log)
	go verifyJob.Run(ctx)

	keys, err := api.ParseAPIKeys(cfg.APIKeys)
	if err != nil {
		log.Error("invalid MCP_API_KEYS", slog.Any("error", err))
		return 1
	}
	auth := api.NewAuthenticator(keys, []byte(cfg.JWTSecret))
	limiter := api.NewRateLimiter(50, 100)

	var idem api.IdempotencyStore
	if redisClient != nil {
		idem = api.NewRedisIdempotencyStore(redisClient, 0)
	} else {
		idem = api.NewMemoryIdempotencyStore(0)
	}

	server, err := api.NewServer(orch, manager, audit, st.policies, registry, log)
	if err != nil {
		log.Error("server init failed", slog.Any("error", err))
		return 1
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", server.Handler(auth, limiter, idem))
	gateway := mcp.NewGateway(orch, registry, log)
	gateway.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", slog.String("addr", cfg.Addr()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.Error("server failed", slog.Any("error", err))
		return 1
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", slog.Any("error", err))
	}
	if !queue.Stop(orchestrator.DefaultDrainTimeout) {
		log.Warn("queue drain timed out")
	}
	return 0
}

// runVerify checks the hash chain end to end. A broken chain exits 2
// so operators can alert on it distinctly from operational failures.
func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	deep := fs.Bool("deep", false, "also re-hash externalized evidence")
	jsonOut := fs.Bool("json", false, "emit the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	log := newLogger("error")

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	evidence, err := openEvidence(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	audit := ledger.New(st.ledger, evidence, log)

	var result ledger.VerifyResult
	if *deep {
		result, err = audit.DeepVerify(ctx)
	} else {
		result, err = audit.VerifyChain(ctx)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if *jsonOut {
		_ = json.NewEncoder(stdout).Encode(result)
	} else if result.Valid {
		fmt.Fprintf(stdout, "chain intact: %d entries\n", result.Entries)
	} else {
		fmt.Fprintf(stdout, "chain BROKEN at entry %d: %s\n", result.BrokenAt, result.Reason)
	}
	if !result.Valid {
		return 2
	}
	return 0
}

func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "server base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/api/health")
	if err != nil {
		fmt.Fprintf(stderr, "unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "unhealthy: %s\n", resp.Status)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}
