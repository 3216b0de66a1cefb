package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nassifmd/akuafopay/internal/api"
	"github.com/nassifmd/akuafopay/internal/breaker"
	"github.com/nassifmd/akuafopay/internal/config"
	"github.com/nassifmd/akuafopay/internal/confirm"
	"github.com/nassifmd/akuafopay/internal/cron"
	"github.com/nassifmd/akuafopay/internal/gateway"
	"github.com/nassifmd/akuafopay/internal/history"
	"github.com/nassifmd/akuafopay/internal/leader"
	"github.com/nassifmd/akuafopay/internal/metrics"
	"github.com/nassifmd/akuafopay/internal/notify"
	"github.com/nassifmd/akuafopay/internal/orders"
	"github.com/nassifmd/akuafopay/internal/poller"
	"github.com/nassifmd/akuafopay/internal/sweeper"
	"github.com/nassifmd/akuafopay/internal/verify"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`akuafopay - payment confirmation engine

Usage:
  akuafopay <command>

Commands:
  serve      Start the confirmation engine and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  BACKEND_BASE_URL          Payment backend base URL (required)
  BACKEND_API_TOKEN         Bearer token for the backend (optional)
  BACKEND_TIMEOUT           Per-request backend timeout (default: "10s")

  POLL_FAST_INTERVAL        Fast poll cadence (default: "10s")
  POLL_SLOW_INTERVAL        Slow poll cadence (default: "5m")
  POLL_FAST_WINDOW          How long to poll fast before downgrading (default: CONFIRM_TIMEOUT)
  CONFIRM_TIMEOUT           Confirmation budget per attempt (default: "5m")

  HTTP_ADDR                 HTTP server address (default: ":8080"; PORT also honored)
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_ADDR              Metrics server address (default: ":9091")

  DATABASE_URL              PostgreSQL connection string for attempt history (optional)
  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")

  REDIS_ADDR                Redis address for the order snapshot store (optional)
  REDIS_PASSWORD            Redis password (optional)
  REDIS_DB                  Redis database number (default: "0")
  ORDER_TTL                 Order snapshot retention (default: "720h")

  NATS_URL                  NATS server URL for state notifications (optional)
  NATS_SUBJECT              Notification subject (default: "akuafoplus.payments.state")

  SWEEP_ENABLED             Enable the stale-attempt sweeper (default: "false")
  SWEEP_SCHEDULE            Sweep cron expression (default: "*/5 * * * *")
  SWEEP_TIMEZONE            Sweep schedule timezone (default: "UTC")
  SWEEP_THRESHOLD           Age before an attempt counts as stale (default: "30m")
  SWEEP_BATCH_SIZE          Max attempts swept per cycle (default: "100")

  LEADER_ELECTION           Gate the sweeper behind an advisory lock (default: "false")
  LEADER_LOCK_KEY           Advisory lock key shared by replicas (default: "429471")
  LEADER_RETRY_INTERVAL     Lock acquisition retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Lock health check interval (default: "2s")

  BREAKER_THRESHOLD         Verification breaker failure threshold; 0 disables (default: "5")
  BREAKER_COOLDOWN          Breaker open-state cooldown (default: "2m")

  NOTIFY_BUFFER_SIZE        Sink queue depth (default: "256")`)
}

// logConfigWarnings flags configuration combinations that run but lose
// guarantees, so operators see the gap at startup rather than during an
// incident.
func logConfigWarnings(cfg *config.Config) {
	if cfg.DatabaseURL == "" {
		log.Println("WARNING [P0]: DATABASE_URL not set; attempt history disabled, in-flight attempts are lost on restart")
	} else if !cfg.SweepEnabled {
		log.Println("WARNING [P0]: SWEEP_ENABLED=false with a database configured; attempts stranded by a crash stay non-terminal forever")
	}

	if cfg.SweepEnabled && !cfg.LeaderElection {
		log.Println("WARNING [P1]: SWEEP_ENABLED=true with LEADER_ELECTION=false; multiple replicas will sweep concurrently")
	}

	if !cfg.MetricsEnabled {
		log.Println("WARNING [P1]: METRICS_ENABLED=false; poll outcomes and breaker state are invisible")
	}

	if cfg.BreakerThreshold == 0 {
		log.Println("WARNING [P1]: BREAKER_THRESHOLD=0; verification breaker disabled, a down backend is hammered at full cadence")
	}

	if cfg.RedisAddr == "" {
		log.Println("INFO: REDIS_ADDR not set; order snapshot store disabled")
	}
	if cfg.NATSURL == "" {
		log.Println("INFO: NATS_URL not set; state notifications disabled")
	}
}

// probeAttemptsTable verifies the attempts table exists. Run after
// EnsureSchema to catch databases where the role cannot create tables.
func probeAttemptsTable(db *sql.DB) error {
	var one int
	err := db.QueryRow(
		`SELECT 1 FROM information_schema.tables WHERE table_name = 'attempts'`,
	).Scan(&one)
	return err
}

type dbPinger struct{ db *sql.DB }

func (p dbPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Verification breaker and backend gateway.
	var brk *breaker.Breaker
	if cfg.BreakerThreshold > 0 {
		brk = breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	client := gateway.NewClient(gateway.Config{
		BaseURL:   cfg.BackendBaseURL,
		Token:     cfg.BackendToken,
		Timeout:   cfg.BackendTimeout,
		UserAgent: "akuafopay/" + version,
	}, brk)

	// Metrics sink (optional).
	var msink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		msink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Printf("akuafopay: metrics server listening on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("akuafopay: metrics server error: %v", err)
			}
		}()
	}

	var sinks []confirm.StateSink

	// Attempt history in Postgres (optional).
	var db *sql.DB
	var histStore *history.Store
	var recorder *history.Recorder
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			return exitRuntimeError
		}
		defer db.Close()

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)

		if err := db.Ping(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
			return exitRuntimeError
		}

		histStore = history.NewStore(db, cfg.DBOpTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
		err = histStore.EnsureSchema(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
			return exitRuntimeError
		}
		if err := probeAttemptsTable(db); err != nil {
			fmt.Fprintf(os.Stderr, "attempts table missing after schema setup: %v\n", err)
			return exitRuntimeError
		}

		recorder = history.NewRecorder(histStore, cfg.NotifyBufferSize)
		sinks = append(sinks, recorder)
		log.Printf("akuafopay: attempt history enabled (op_timeout=%s)", cfg.DBOpTimeout)
	}

	// Order snapshot store in Redis (optional).
	var redisClient *redis.Client
	var orderStore *orders.Store
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		orderStore = orders.NewStore(redisClient, cfg.OrderTTL)
		sinks = append(sinks, orderStore)
		log.Printf("akuafopay: order store enabled (redis=%s, ttl=%s)", cfg.RedisAddr, cfg.OrderTTL)
	}

	// State notifications over NATS (optional).
	var broadcaster *notify.Broadcaster
	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to nats: %v\n", err)
			return exitRuntimeError
		}
		defer nc.Close()

		broadcaster = notify.NewBroadcaster(nc, cfg.NATSSubject,
			notify.WithBuffer(cfg.NotifyBufferSize),
			notify.WithMetrics(msink),
		)
		sinks = append(sinks, broadcaster)
		log.Printf("akuafopay: notifications enabled (subject=%s)", cfg.NATSSubject)
	}

	verifier := verify.New(client, verify.WithMetrics(msink))

	registryCtx, cancelRegistry := context.WithCancel(context.Background())
	defer cancelRegistry()
	registry := confirm.NewRegistry(registryCtx, client, verifier,
		confirm.WithSinks(sinks...),
		confirm.WithMetrics(msink),
		confirm.WithSchedule(poller.Schedule{
			FastInterval: cfg.PollFastInterval,
			SlowInterval: cfg.PollSlowInterval,
			FastWindow:   cfg.PollFastWindow,
			Timeout:      cfg.ConfirmTimeout,
		}),
	)

	apiHandler := api.NewHandler(registry)
	if orderStore != nil {
		apiHandler.WithOrderReader(orderStore)
	}
	if histStore != nil {
		apiHandler.WithHistoryReader(histStore)
	}
	if db != nil {
		apiHandler.WithProbe("database", dbPinger{db})
	}
	if redisClient != nil {
		apiHandler.WithProbe("redis", redisPinger{redisClient})
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}
	go func() {
		log.Printf("akuafopay: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("akuafopay: http server error: %v", err)
		}
	}()

	// Stale-attempt sweeper, optionally gated by leader election.
	var sweepWg sync.WaitGroup
	var cancelSweep context.CancelFunc
	if cfg.SweepEnabled {
		sched, err := cron.NewParser().Parse(cfg.SweepSchedule, cfg.SweepTimezone)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid sweep schedule: %v\n", err)
			return exitInvalidConfig
		}
		sw := sweeper.New(sweeper.Config{
			Schedule:  sched,
			Threshold: cfg.SweepThreshold,
			BatchSize: cfg.SweepBatchSize,
		}, histStore, sweeper.WithMetrics(msink))

		var sweepCtx context.Context
		sweepCtx, cancelSweep = context.WithCancel(context.Background())

		if cfg.LeaderElection {
			elector := leader.New(db, cfg.LeaderLockKey,
				cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval,
				func(ctx context.Context) { sw.Run(ctx) },
				func() {},
			).WithMetrics(msink)
			sweepWg.Add(1)
			go func() {
				defer sweepWg.Done()
				elector.Run(sweepCtx)
			}()
			log.Printf("akuafopay: sweeper enabled behind leader election (schedule=%q, threshold=%s)",
				cfg.SweepSchedule, cfg.SweepThreshold)
		} else {
			sweepWg.Add(1)
			go func() {
				defer sweepWg.Done()
				sw.Run(sweepCtx)
			}()
			log.Printf("akuafopay: sweeper enabled (schedule=%q, threshold=%s)",
				cfg.SweepSchedule, cfg.SweepThreshold)
		}
	}

	log.Printf("akuafopay: started (backend=%s, http=%s, budget=%s)",
		cfg.BackendBaseURL, cfg.HTTPAddr, cfg.ConfirmTimeout)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("akuafopay: received signal %v, shutting down", received)

	// Phase 1: stop HTTP intake so no new attempts arrive.
	log.Println("akuafopay: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("akuafopay: http server shutdown error: %v", err)
	}
	log.Println("akuafopay: http server stopped")

	// Phase 2: cancel live machines. Cancel is not a transition, so the
	// attempts resume against their remaining budget on the next start.
	log.Printf("akuafopay: cancelling %d live machines...", registry.Len())
	registry.Shutdown()
	cancelRegistry()

	// Phase 3: stop the sweeper / leader loop.
	if cancelSweep != nil {
		log.Println("akuafopay: stopping sweeper...")
		cancelSweep()
		sweepWg.Wait()
		log.Println("akuafopay: sweeper stopped")
	}

	// Phase 4: drain sinks in write order so the last state changes land.
	if broadcaster != nil {
		broadcaster.Close()
	}
	if orderStore != nil {
		orderStore.Close()
	}
	if recorder != nil {
		recorder.Close()
	}

	// Phase 5: stop the metrics server.
	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("akuafopay: metrics server shutdown error: %v", err)
		}
	}

	log.Println("akuafopay: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("akuafopay version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
