package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lottonotify/internal/api"
	"lottonotify/internal/backend"
	"lottonotify/internal/config"
	"lottonotify/internal/deadletter"
	"lottonotify/internal/dispatch"
	"lottonotify/internal/model"
	"lottonotify/internal/mqhandler"
	"lottonotify/internal/notify"
	"lottonotify/internal/queue"
	"lottonotify/internal/quota"
	"lottonotify/internal/ratelimit"
	"lottonotify/internal/repository"
	"lottonotify/internal/retry"
	"lottonotify/pkg/db"
	"lottonotify/pkg/logger"
	"lottonotify/pkg/mq"
	pkgredis "lottonotify/pkg/redis"
	"lottonotify/pkg/util"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting dispatch-service...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("port", cfg.Server.Port),
	)

	// DB
	log.Info("Initializing database connection...")
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	log.Info("Database connection established successfully")

	// Redis + deduper
	rdb := pkgredis.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	deduper := util.NewDeduperWithLogger(rdb, 24*time.Hour, log)

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Repositories
	deliveryLogRepo := repository.NewDeliveryLogRepository(dbConn, log)
	notificationRepo := repository.NewNotificationRepository(dbConn, log)
	deadLetterRepo := repository.NewDeadLetterRepository(dbConn, log)
	quotaRepo := repository.NewQuotaRepository(dbConn, log)

	// Backends
	primary := backend.NewAPIBackend(backend.APIConfig{
		APIURL:      cfg.Provider.APIURL,
		APIKey:      cfg.Provider.APIKey,
		SenderEmail: cfg.Provider.SenderEmail,
		SenderName:  cfg.Provider.SenderName,
	}, log)

	var fallback backend.Backend
	var smtpBackend *backend.SMTPBackend
	if cfg.Provider.SMTPHost != "" {
		smtpBackend = backend.NewSMTPBackend(backend.SMTPConfig{
			Host:        cfg.Provider.SMTPHost,
			Port:        cfg.Provider.SMTPPort,
			Username:    cfg.Provider.SMTPUser,
			Password:    cfg.Provider.SMTPPass,
			SenderEmail: cfg.Provider.SenderEmail,
			SenderName:  cfg.Provider.SenderName,
		}, log)
		fallback = smtpBackend
	} else {
		log.Warn("No SMTP fallback configured, quota exhaustion will pause sends")
	}

	// Quota tracker, counts primary sends only. The 100% alert goes to
	// the admin over the unmetered fallback.
	alert := func(usage quota.Usage) {
		if smtpBackend == nil || cfg.Quota.AdminEmail == "" {
			log.Error("Daily quota exhausted and no admin alert path configured",
				zap.Int("sent_today", usage.SentToday),
			)
			return
		}
		msg := &model.Message{
			ID:        uuid.NewString(),
			Kind:      model.KindTransactionalEmail,
			Recipient: cfg.Quota.AdminEmail,
			Subject:   "Daily email quota exhausted",
			Body: fmt.Sprintf(
				"The primary provider quota for %s is fully consumed (%d/%d). Sends are now routed to the SMTP fallback.",
				usage.Day, usage.SentToday, usage.DailyLimit,
			),
			Priority:  model.PriorityUrgent,
			CreatedAt: time.Now(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := smtpBackend.Send(ctx, msg); err != nil {
				log.Error("Failed to send quota exhaustion alert", zap.Error(err))
			}
		}()
	}

	tracker := quota.NewTracker(cfg.Quota.DailyLimit, log,
		quota.WithStore(quotaRepo),
		quota.WithAlert(alert),
	)

	// 启动时恢复当天计数，进程重启不会重置配额
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	today := time.Now().Format("2006-01-02")
	if sent, err := quotaRepo.GetDay(startupCtx, today); err != nil {
		log.Error("Failed to restore quota counter", zap.Error(err))
	} else if err := tracker.Restore(today, sent); err != nil {
		log.Error("Failed to restore quota counter", zap.Error(err))
	}

	selector := backend.NewSelector(primary, fallback, tracker, log)
	limiter := ratelimit.NewLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)
	engine := retry.NewEngine(nil, 0, log)

	// Dead-letter store, restored from the database
	dead := deadletter.NewStore(deadLetterRepo, log)
	if entries, err := deadLetterRepo.LoadAll(startupCtx); err != nil {
		log.Error("Failed to restore dead-letter store", zap.Error(err))
	} else {
		dead.Restore(entries)
		log.Info("Dead-letter store restored", zap.Int("entries", len(entries)))
	}
	startupCancel()

	// Real-time notification hub
	hub := notify.NewHub(notificationRepo, log)
	wsHandler := notify.NewHandler(hub, cfg.JWT.Secret, log)

	// Dispatch pipeline
	dispatcher := dispatch.NewService(
		dispatch.Config{
			Workers:        cfg.Dispatch.Workers,
			SendTimeout:    time.Duration(cfg.Dispatch.SendTimeoutSeconds) * time.Second,
			MaxReschedules: cfg.Dispatch.MaxReschedules,
			BlockedDomains: cfg.Dispatch.BlockedDomains,
		},
		queue.New(),
		limiter,
		tracker,
		selector,
		engine,
		dead,
		log,
	).
		WithDeliveryLog(deliveryLogRepo).
		WithPublisher(publisher).
		WithNotifier(hub).
		WithDeduper(deduper)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	dispatcher.Start(workerCtx)

	// 投递记录按保留期清理
	cleaner := repository.NewCleaner(deliveryLogRepo,
		time.Duration(cfg.Retention.DeliveryLogDays)*24*time.Hour,
		time.Duration(cfg.Retention.CleanupIntervalMinutes)*time.Minute,
		log,
	)
	go cleaner.Run(workerCtx)

	// MQ Handlers
	winnerHandler := mqhandler.NewWinnerDetectedHandler(dispatcher, publisher, log)
	broadcastHandler := mqhandler.NewBroadcastRequestedHandler(dispatcher, publisher, log)

	winnerConsumer, err := mq.NewConsumer(cfg.MQ.URL, "winner.detected.q", "winner.detected", log)
	if err != nil {
		log.Fatal("Failed to init winner consumer", zap.Error(err))
	}
	defer winnerConsumer.Close()
	winnerConsumer.SetHandler(winnerHandler.Handle)

	broadcastConsumer, err := mq.NewConsumer(cfg.MQ.URL, "broadcast.requested.q", "broadcast.requested", log)
	if err != nil {
		log.Fatal("Failed to init broadcast consumer", zap.Error(err))
	}
	defer broadcastConsumer.Close()
	broadcastConsumer.SetHandler(broadcastHandler.Handle)

	go func() {
		log.Info("Starting winner.detected consumer...")
		if err := winnerConsumer.StartConsuming(); err != nil {
			log.Fatal("Winner consumer failed", zap.Error(err))
		}
	}()
	go func() {
		log.Info("Starting broadcast.requested consumer...")
		if err := broadcastConsumer.StartConsuming(); err != nil {
			log.Fatal("Broadcast consumer failed", zap.Error(err))
		}
	}()

	// HTTP Server
	handler := api.NewHandler(dispatcher, hub, log).WithNotificationLister(notificationRepo)
	router := api.NewRouter(api.RouterConfig{
		JWTSecret:      cfg.JWT.Secret,
		AdminTokenHash: cfg.Admin.TokenHash,
	}, handler, wsHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("dispatch-service is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down dispatch-service gracefully...")

	// Stop consumers first so no new work arrives
	winnerConsumer.Stop()
	broadcastConsumer.Stop()

	// Stop workers, in-flight sends finish or get cut at the timeout
	workerCancel()
	dispatcher.Wait()

	log.Info("Shutting down HTTP server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	publisher.Close()
	dbConn.Close()

	log.Info("dispatch-service shutdown complete")
}
