package main

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"waitless-queue/common/database"
	"waitless-queue/common/logger"
	"waitless-queue/common/mqtt"
	rediscommon "waitless-queue/common/redis"
	"waitless-queue/internal/config"
	"waitless-queue/internal/coordinator"
	"waitless-queue/internal/dispatch"
	"waitless-queue/internal/domain"
	"waitless-queue/internal/estimator"
	"waitless-queue/internal/events"
	httpapi "waitless-queue/internal/http"
	"waitless-queue/internal/repository"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "waitless-queue")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 注册表：PostgreSQL 不可用时降级为内存实现
	reg, db := openRegistry(ctx, cfg, log)
	if db != nil {
		defer database.Close(db)
	}

	// 4. 事件输出：Redis Stream + WebSocket
	var emitters events.Fanout
	var redisClient *redis.Client
	var stream *events.StreamPublisher
	if cfg.Events.StreamEnabled {
		redisClient = rediscommon.NewRedisClient(&cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rediscommon.Ping(pingCtx, redisClient)
		cancel()
		if err != nil {
			log.Warn("Redis unavailable, queue event stream disabled", zap.Error(err))
			_ = rediscommon.Close(redisClient)
			redisClient = nil
		} else {
			stream = events.NewStreamPublisher(redisClient, cfg.Events.Stream, events.StreamOptions{
				MaxLen:     cfg.Events.StreamMaxLen,
				QueueDepth: cfg.Events.QueueDepth,
				Backoff:    time.Duration(cfg.Events.BackoffMS) * time.Millisecond,
				BackoffMax: time.Duration(cfg.Events.BackoffMaxMS) * time.Millisecond,
			}, log)
			emitters = append(emitters, stream)
			defer rediscommon.Close(redisClient)
		}
	}
	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	if stream != nil {
		stream.Start(streamCtx)
	}
	var hub *events.Hub
	if cfg.Events.WSEnabled {
		hub = events.NewHub(log)
		emitters = append(emitters, hub)
		defer hub.Close()
	}

	// 5. 通知分发
	sink, closeSink, err := openSink(cfg, log)
	if err != nil {
		log.Fatal("Failed to create notification sink", zap.Error(err))
	}
	defer closeSink()

	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatcher := dispatch.NewDispatcher(sink, dispatch.Options{
		Workers:     cfg.Dispatch.Workers,
		QueueDepth:  cfg.Dispatch.QueueDepth,
		MaxAttempts: cfg.Dispatch.Retries,
		Backoff:     time.Duration(cfg.Dispatch.BackoffMS) * time.Millisecond,
	}, log)
	dispatcher.Start(dispatchCtx)

	// 6. 估算器 + 协调器
	est := estimator.NewEstimator(reg, estimator.Options{
		Alpha:    cfg.Estimator.Alpha,
		ClampMin: time.Duration(cfg.Estimator.ClampMin) * time.Second,
		ClampMax: time.Duration(cfg.Estimator.ClampMax) * time.Second,
	}, log)

	coord := coordinator.NewCoordinator(reg, coordinator.Options{
		Mode:        coordinator.Mode(cfg.Coordinator.Mode),
		MaxRetries:  cfg.Coordinator.MaxRetries,
		Backoff:     time.Duration(cfg.Coordinator.BackoffMS) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.Coordinator.BackoffMaxMS) * time.Millisecond,
		AutoAdvance: cfg.Coordinator.AutoAdvance,
	}, log)
	coord.SetEmitter(emitters)
	coord.SetNotifier(dispatcher)
	coord.SetCompletionObserver(est)

	// 7. HTTP
	router := httpapi.NewRouter(log)
	router.RegisterQueueRoutes(httpapi.NewQueueHandler(coord, log))
	if hub != nil {
		router.RegisterEventRoutes(hub)
	}
	if stream != nil {
		router.RegisterReplayRoutes(httpapi.NewEventsHandler(stream, log))
	}
	srv := httpapi.NewServer(cfg.HTTP.Addr, router, log)

	// 8. 运行直到收到信号
	sweep := newSweeper(coord, cfg.Expiry.SweepInterval, time.Duration(cfg.Expiry.SlackSeconds)*time.Second, log)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return sweep.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("Service error", zap.Error(err))
	}

	// 已排队的通知和事件尽量发完
	stopWithGrace(dispatcher.Stop, cancelDispatch, 5*time.Second)
	st := dispatcher.Stats()
	fields := []zap.Field{
		zap.Int64("notices_delivered", st.Delivered),
		zap.Int64("notices_dropped", st.Dropped),
		zap.Int64("notices_failed", st.Failed),
	}
	if stream != nil {
		stopWithGrace(stream.Stop, cancelStream, 5*time.Second)
		ss := stream.Stats()
		fields = append(fields,
			zap.Int64("events_published", ss.Published),
			zap.Int64("events_dropped", ss.Dropped))
	}
	log.Info("waitless-queue stopped", fields...)
}

func openRegistry(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Registry, *sql.DB) {
	if cfg.Registry.Backend == "postgres" {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err == nil {
			pg := repository.NewPostgresRegistry(db, log)
			if cfg.Registry.EnsureSchema {
				if err := pg.EnsureSchema(ctx); err != nil {
					log.Fatal("Failed to ensure schema", zap.Error(err))
				}
			}
			log.Info("Using PostgreSQL registry", zap.String("host", cfg.Database.Host))
			return pg, db
		}
		log.Warn("PostgreSQL unavailable, falling back to memory registry", zap.Error(err))
	}

	mem := repository.NewMemoryRegistry()
	if cfg.Registry.SeedServices {
		for _, svc := range defaultServices() {
			if _, err := mem.UpsertService(ctx, svc); err != nil {
				log.Warn("Failed to seed service", zap.String("name", svc.Name), zap.Error(err))
			}
		}
	}
	log.Info("Using memory registry")
	return mem, nil
}

// defaultServices 内存模式下的演示服务台
func defaultServices() []*domain.Service {
	return []*domain.Service{
		{Name: "General Practice", Status: domain.ServiceActive, AvgWaitSeconds: 600, MaxWaitSeconds: 7200, DefaultPriority: domain.PriorityMedium},
		{Name: "Radiology", Status: domain.ServiceActive, AvgWaitSeconds: 900, MaxWaitSeconds: 7200, DefaultPriority: domain.PriorityMedium},
		{Name: "Emergency", Status: domain.ServiceEmergency, AvgWaitSeconds: 300, MaxWaitSeconds: 3600, DefaultPriority: domain.PriorityHigh},
	}
}

func openSink(cfg *config.Config, log *zap.Logger) (dispatch.Sink, func(), error) {
	noop := func() {}
	if cfg.Dispatch.Mode != "live" {
		return dispatch.NewLogSink(log), noop, nil
	}
	switch cfg.Dispatch.LiveSink {
	case "mqtt":
		client, err := mqtt.NewClient(&cfg.MQTT, log)
		if err != nil {
			return nil, noop, err
		}
		return dispatch.NewMQTTSink(client, cfg.Dispatch.MQTTTopicPrefix, 5*time.Second), client.Disconnect, nil
	default:
		return dispatch.NewHTTPSink(cfg.Dispatch.HTTPURL, cfg.Dispatch.HTTPToken, 5*time.Second, log), noop, nil
	}
}

// stopWithGrace waits for stop, cancelling the worker context once grace runs out.
func stopWithGrace(stop func(), cancel context.CancelFunc, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		cancel()
		<-done
	}
}
