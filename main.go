package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/passl/dispatch-core/internal/batching"
	"github.com/passl/dispatch-core/internal/config"
	"github.com/passl/dispatch-core/internal/dispatch"
	"github.com/passl/dispatch-core/internal/drivers"
	"github.com/passl/dispatch-core/internal/geo"
	"github.com/passl/dispatch-core/internal/horizon"
	"github.com/passl/dispatch-core/internal/logger"
	"github.com/passl/dispatch-core/internal/orders"
	"github.com/passl/dispatch-core/internal/push"
	"github.com/passl/dispatch-core/internal/routing"
	"github.com/passl/dispatch-core/internal/server"
	"github.com/passl/dispatch-core/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	log, err := logger.NewLoggerWithComponent("main")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load configuration", logger.Field{Key: "error", Value: err})
	}
	policy, err := cfg.Policy()
	if err != nil {
		log.Fatal("failed to resolve batching policy", logger.Field{Key: "error", Value: err})
	}

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		log.Fatal("failed to open store", logger.Field{Key: "dsn", Value: cfg.StoreDSN}, logger.Field{Key: "error", Value: err})
	}

	matrix, err := buildMatrix(cfg)
	if err != nil {
		log.Fatal("failed to set up travel time matrix", logger.Field{Key: "error", Value: err})
	}

	engineLog, _ := logger.NewLoggerWithComponent("batching")
	engine := batching.NewEngine(engineLog)

	horizonLog, _ := logger.NewLoggerWithComponent("horizon")
	queue, err := horizon.New(engine, matrix, st, policy, horizonLog)
	if err != nil {
		log.Fatal("failed to build horizon queue", logger.Field{Key: "error", Value: err})
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	lock := dispatch.NewRedisJobLock(rdb, 2*policy.AcceptanceDeadline)
	abandonQueue := dispatch.NewAbandonQueue(cfg.RedisAddr)
	defer abandonQueue.Close()

	var pushSvc push.Service
	pushLog, _ := logger.NewLoggerWithComponent("push")
	if cfg.PushGatewayURL != "" {
		pushSvc = push.NewWebhookService(cfg.PushGatewayURL, 3*time.Second)
	} else {
		pushSvc = &push.LogService{Log: pushLog}
	}

	dispatchLog, _ := logger.NewLoggerWithComponent("dispatch")
	dispatcher, err := dispatch.NewDispatcher(
		dispatch.Config{Workers: cfg.DispatchWorkers},
		lock, pushSvc, st, abandonQueue,
		queue.Policy,
		dispatchLog,
	)
	if err != nil {
		log.Fatal("failed to build dispatcher", logger.Field{Key: "error", Value: err})
	}
	dispatcher.Start()

	// Abandoned jobs are consumed off the asynq queue and flagged in the
	// store for ops follow-up.
	abandonWorker := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		asynq.Config{
			Concurrency: 2,
			Queues:      map[string]int{dispatch.AbandonedQueueName: 1},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(dispatch.TaskJobAbandoned, dispatch.NewAbandonHandler(st, dispatchLog))
	go func() {
		if err := abandonWorker.Run(mux); err != nil {
			log.Error("abandon worker stopped", logger.Field{Key: "error", Value: err})
		}
	}()

	onJobs := func(jobs []orders.Job) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		online, err := st.OnlineDrivers(ctx)
		if err != nil {
			log.Error("failed to snapshot online drivers", logger.Field{Key: "error", Value: err})
			return
		}
		p := queue.Policy()
		for _, job := range jobs {
			// Driver legs are not part of the batching prefetch; warm them so
			// wave ranking can place as many drivers as possible.
			coords := make([]geo.Coord, 0, len(online)+1)
			for _, drv := range online {
				coords = append(coords, drv.Location)
			}
			coords = append(coords, job.PickupCoord())
			if err := matrix.Prefetch(ctx, coords); err != nil {
				log.Warn("driver leg prefetch failed",
					logger.Field{Key: "job_id", Value: job.ID},
					logger.Field{Key: "error", Value: err})
			}
			waves := drivers.BuildDriverWaves(job, online, matrix, p)
			dispatcher.Dispatch(job, waves)
		}
	}

	ticker, err := horizon.StartTicker(queue, cfg.TickInterval, onJobs, horizonLog)
	if err != nil {
		log.Fatal("failed to start horizon ticker", logger.Field{Key: "error", Value: err})
	}

	srv := server.New(queue, dispatcher, log)
	go func() {
		if err := srv.Run(cfg.ListenAddr); err != nil {
			log.Fatal("http server stopped", logger.Field{Key: "error", Value: err})
		}
	}()

	log.Info("dispatch core started",
		logger.Field{Key: "listen_addr", Value: cfg.ListenAddr},
		logger.Field{Key: "tick_interval", Value: cfg.TickInterval},
		logger.Field{Key: "policy", Value: cfg.PolicyName})

	// Graceful shutdown on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received")
	ticker.Stop()
	dispatcher.Stop()
	abandonWorker.Shutdown()
	log.Info("shutdown complete")
}

func buildMatrix(cfg config.Config) (routing.Matrix, error) {
	if cfg.UseMockMatrix {
		return routing.NewManhattanMatrix(cfg.MockSpeedMPS), nil
	}
	osrm, err := routing.NewOSRMClient(cfg.OSRM)
	if err != nil {
		return nil, err
	}
	matrixLog, _ := logger.NewLoggerWithComponent("routing")
	return routing.NewPreloadingMatrix(osrm, cfg.MatrixCacheTTL, matrixLog), nil
}
