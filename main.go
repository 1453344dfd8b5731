package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-service/internal/chat"
	"chat-service/internal/cleanup"
	"chat-service/internal/config"
	"chat-service/internal/db"
	grpcclient "chat-service/internal/grpc"
	"chat-service/internal/handlers"
	"chat-service/internal/logging"
	"chat-service/internal/middleware"
	"chat-service/internal/observability"
	"chat-service/internal/pubsub"
	"chat-service/internal/rabbitmq"
	"chat-service/internal/repositories"
	"chat-service/internal/storage"
	"chat-service/internal/telemetry"
	"chat-service/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.ServiceName, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment)
	if err != nil {
		log.WithError(err).Fatal("failed to init tracing")
	}

	database, err := db.Connect(cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to db")
	}
	defer database.Close()

	authConn, err := grpcclient.Dial(cfg.AuthGRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to auth grpc")
	}
	defer authConn.Close()
	authClient := grpcclient.NewAuthClient(authConn)

	minioClient, err := storage.NewMinioClient(cfg.Storage)
	if err != nil {
		log.WithError(err).Fatal("failed to init object storage")
	}
	if err := storage.EnsureBucket(ctx, minioClient, cfg.Storage.Bucket, cfg.Storage.Region); err != nil {
		log.WithError(err).Warn("media bucket check failed")
	}
	broker := storage.NewBroker(minioClient, cfg.Storage.Bucket, cfg.Chat.AllowedImageTypes, log)

	threadRepo := repositories.NewThreadRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	requestRepo := repositories.NewRequestRepo(database)

	amqpConn := rabbitmq.Dial(cfg.AMQPURL, log)
	if amqpConn != nil {
		defer amqpConn.Close()
	}
	publisher := rabbitmq.NewPublisher(amqpConn, cfg.AMQPExchange, log)
	defer publisher.Close()
	log.WithFields(logrus.Fields{
		"mode":   rabbitmq.PublisherMode(publisher),
		"reason": rabbitmq.PublisherNoopReason(publisher),
	}).Info("event publisher configured")

	hub := ws.NewHub(publisher, log)
	var broadcaster chat.Broadcaster = hub
	if cfg.RedisURL != "" {
		redisClient, err := pubsub.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, delivering events locally")
		} else {
			defer redisClient.Close()
			relay := pubsub.NewRedisBroadcaster(redisClient, hub, log)
			go func() {
				if err := relay.Run(ctx, nil); err != nil {
					log.WithError(err).Error("redis relay stopped; delivering events locally")
				}
			}()
			broadcaster = relay
		}
	}

	worker := cleanup.NewWorker(threadRepo, messageRepo, broker, cfg.Chat.RedactOnClose, log)

	var dispatcher cleanup.Dispatcher
	if amqpConn != nil {
		queue, err := rabbitmq.NewCleanupQueue(amqpConn, cfg.AMQPExchange, cfg.Cleanup.Queue, cfg.Cleanup.MaxAttempts, cfg.Cleanup.Workers, log)
		if err != nil {
			log.WithError(err).Fatal("failed to declare cleanup queue")
		}
		defer queue.Close()
		go func() {
			if err := queue.Consume(ctx, worker); err != nil {
				log.WithError(err).Error("cleanup consumer stopped")
			}
		}()
		dispatcher = queue
	} else {
		pool := cleanup.NewPool(worker, cleanup.PoolConfig{Workers: cfg.Cleanup.Workers, MaxAttempts: cfg.Cleanup.MaxAttempts}, log)
		pool.Start(ctx)
		defer pool.Wait()
		dispatcher = pool
	}

	sweeper, err := cleanup.NewSweeper(threadRepo, dispatcher, cfg.Cleanup.SweepCron, cfg.Cleanup.SweepGrace, log)
	if err != nil {
		log.WithError(err).Fatal("invalid cleanup sweep schedule")
	}
	go sweeper.Run(ctx)

	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRouting, cfg.ServiceName, cfg.Environment, log)

	svc := chat.NewService(threadRepo, messageRepo, requestRepo, broker, broadcaster, dispatcher,
		chat.Config{Enabled: cfg.Chat.Enabled, SignedURLTTL: cfg.Chat.SignedURLTTL}, log)

	chatHandler := handlers.NewChatHandler(svc, audit, log)
	chatWS := ws.NewChatWebSocketHandler(hub, svc, authClient, log)

	limiter := middleware.NewLimiterPool(cfg.PostRatePerSecond, cfg.PostRateBurst)
	defer limiter.Shutdown()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.RequestIDMiddleware())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	feature := middleware.FeatureGate(svc.Enabled)
	api := router.Group("/", feature, middleware.AuthMiddleware(authClient))
	chatHandler.Register(api, middleware.RateLimit(limiter))
	router.GET("/ws/chat/threads/:thread_id", feature, chatWS.Handle)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("chat service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown")
	}
}
