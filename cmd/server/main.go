package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmates/core/internal/auth"
	"github.com/openmates/core/internal/billing"
	"github.com/openmates/core/internal/cache"
	"github.com/openmates/core/internal/chatstore"
	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/connections"
	"github.com/openmates/core/internal/embeds"
	"github.com/openmates/core/internal/internalapi"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/notifications"
	"github.com/openmates/core/internal/ocr"
	"github.com/openmates/core/internal/provider"
	"github.com/openmates/core/internal/routing"
	"github.com/openmates/core/internal/search"
	"github.com/openmates/core/internal/skills"
	"github.com/openmates/core/internal/storage/pg"
	"github.com/openmates/core/internal/storage/s3"
	"github.com/openmates/core/internal/tasks"
	"github.com/openmates/core/internal/telemetry"
	"github.com/openmates/core/internal/temporal"
	"github.com/openmates/core/internal/vault"
	"github.com/openmates/core/internal/ws"
)

func main() {
	cfg := config.LoadConfig()

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	db, err := pg.InitDatabase(cfg)
	if err != nil {
		log.Error("failed to initialize database", "error", err.Error())
		return
	}
	defer db.DB.Close() //nolint:errcheck

	cacheSvc, err := cache.NewService(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err.Error())
		return
	}
	defer cacheSvc.Close() //nolint:errcheck

	firebaseClient, err := auth.NewFirebaseClient(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredJSON)
	if err != nil {
		log.Error("failed to initialize firestore", "error", err.Error())
		return
	}
	defer firebaseClient.Close() //nolint:errcheck

	validator, err := newTokenValidator(ctx, cfg)
	if err != nil {
		log.Error("failed to initialize token validator", "error", err.Error())
		return
	}

	transit, err := vault.NewFromConfig(cfg)
	if err != nil {
		log.Error("failed to initialize transit encryption", "error", err.Error())
		return
	}

	files, err := s3.NewClient(ctx, cfg)
	if err != nil {
		log.Error("failed to initialize object storage", "error", err.Error())
		return
	}

	durableChats := chatstore.NewFirestoreStore(firebaseClient.Firestore())
	chats := chatstore.NewStore(cacheSvc, durableChats, cfg, log)
	defer chats.Shutdown()

	embedSvc, err := embeds.NewService(embeds.NewFirestoreStore(firebaseClient.Firestore()),
		cacheSvc, transit, files, cfg.ChatFilesBucket, log)
	if err != nil {
		log.Error("failed to initialize embed store", "error", err.Error())
		return
	}

	manager := connections.NewManager(time.Duration(cfg.GracePeriodSeconds)*time.Second, log)

	billingSvc := billing.NewService(db.Queries, cfg.SelfHostedPaymentEnabled, log)
	recorder := billing.NewRecorder(db.Queries, transit, cfg.UsageWorkerPoolSize, cfg.UsageBufferSize,
		time.Duration(cfg.UsageTimeoutSeconds)*time.Second, log)
	defer recorder.Shutdown()

	archiver := billing.NewArchiver(db.Queries, transit, files, cacheSvc,
		cfg.UsageArchiveBucket, cfg.UsageArchiveMonthsBack, metrics, log)
	if cfg.UsageArchiveEnabled {
		if err := archiver.Start(cfg.UsageArchiveCron); err != nil {
			log.Error("failed to start usage archiver", "error", err.Error())
			return
		}
		defer archiver.Stop()
	}
	webhook := billing.NewWebhookHandler(billingSvc, db.Queries, cfg.StripeWebhookSecret, log)

	modelRouter := routing.NewModelRouter(cfg.ModelCatalog, log)
	selector := routing.NewSelector(cfg.ModelCatalog, modelRouter, log)
	healthWatcher := routing.NewHealthWatcher(cfg, log, modelRouter)
	if healthWatcher != nil {
		defer healthWatcher.Shutdown()
	}

	providerClient := provider.NewClient(log)

	manifests, err := config.LoadAppManifests(cfg.AppsDir)
	if err != nil {
		log.Error("failed to load app manifests", "dir", cfg.AppsDir, "error", err.Error())
		return
	}
	skillRegistry, err := skills.NewRegistry(manifests, cfg.ServerEnvironment, log)
	if err != nil {
		log.Error("failed to build skill registry", "error", err.Error())
		return
	}
	bindSkillHandlers(skillRegistry, manifests, log)

	charger := skills.NewHTTPCharger(cfg.CoreInternalURL, cfg.InternalAPISharedToken, log)
	executor := skills.NewExecutor(skillRegistry, cacheSvc, charger, metrics, log)

	mates, err := config.LoadMates(cfg.MatesFile)
	if err != nil {
		log.Error("failed to load mate personas", "file", cfg.MatesFile, "error", err.Error())
		return
	}

	// The notifier is optional; without SMTP the runner simply never
	// emails anyone.
	var notifier tasks.ReplyNotifier
	if cfg.EmailNotificationsEnabled && cfg.SMTPHost != "" {
		mailer, err := notifications.NewMailer(notifications.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			log.Error("failed to initialize mailer, email notifications disabled", "error", err.Error())
		} else {
			notifier = notifications.NewService(manager, durableChats, transit, mailer, cfg.SMTPFrom, log)
		}
	}

	taskCfg := tasks.Config{
		MaxContinuations: cfg.MaxContinuations,
		InternalTimeout:  time.Duration(cfg.InternalTimeoutSeconds) * time.Second,
		FocusPendingTTL:  time.Duration(cfg.FocusPendingTTLSeconds) * time.Second,
		FocusAutoConfirm: time.Duration(cfg.FocusAutoConfirmSeconds) * time.Second,
	}
	focus := tasks.NewFocusCoordinator(chats, manager, transit, taskCfg, log)
	preprocessor := tasks.NewPreprocessor(providerClient, modelRouter, cfg.ModelCatalog.PreprocessModel, log)

	runner := tasks.NewRunner(tasks.RunnerOptions{
		Streamer:     providerClient,
		Resolver:     modelRouter,
		Picker:       selector,
		Invoker:      executor,
		Store:        chats,
		Flags:        cacheSvc,
		Events:       manager,
		Usage:        recorder,
		Charger:      billingSvc,
		Registry:     skillRegistry,
		Preprocessor: preprocessor,
		Focus:        focus,
		Catalog:      cfg.ModelCatalog,
		Mates:        mates,
		Config:       taskCfg,
		Notifier:     notifier,
		Metrics:      metrics,
		Logger:       log,
	})

	// NATS is optional too: single-instance deployments run tasks in
	// local goroutines.
	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Error("failed to connect to nats", "error", err.Error())
			return
		}
		defer nc.Drain() //nolint:errcheck
	}

	queues := make([]string, 0, len(manifests))
	for _, manifest := range manifests {
		queues = append(queues, tasks.QueueForApp(manifest.ID))
	}
	dispatcher := tasks.NewDispatcher(tasks.DispatcherOptions{
		Conn:           nc,
		Runner:         runner,
		Flags:          cacheSvc,
		Focus:          focus,
		Queues:         queues,
		WorkerPoolSize: cfg.TaskWorkerPoolSize,
		Metrics:        metrics,
		Logger:         log,
	})
	if err := dispatcher.Start(); err != nil {
		log.Error("failed to start task dispatcher", "error", err.Error())
		return
	}

	// Temporal is optional as well; without it /internal/pdf/process
	// answers 503 and uploads still succeed without OCR.
	uploadsBucket := config.BucketNameForEnvironment("uploads", cfg.ServerEnvironment)
	var pdfService *ocr.Service
	if cfg.TemporalEndpoint != "" {
		temporalClient, err := temporal.Dial(cfg)
		if err != nil {
			log.Error("failed to connect to temporal, pdf processing disabled", "error", err.Error())
		} else {
			defer temporalClient.Close()
			activities := ocr.NewActivities(transit, files, embedSvc, manager, uploadsBucket, log)
			pdfWorker := ocr.NewWorker(temporalClient, ocr.DefaultTaskQueue, activities)
			if err := pdfWorker.Start(); err != nil {
				log.Error("failed to start pdf worker", "error", err.Error())
			} else {
				defer pdfWorker.Stop()
				pdfService = ocr.NewService(temporalClient, ocr.DefaultTaskQueue, log)
			}
		}
	}

	wsRouter := ws.NewRouter(ws.Options{
		Manager:    manager,
		Chats:      chats,
		Embeds:     embedSvc,
		Dispatcher: dispatcher,
		Flags:      cacheSvc,
		Transit:    transit,
		Metrics:    metrics,
		Logger:     log,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORSAllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	authMW := auth.NewMiddleware(validator)

	v1 := router.Group("/v1")
	v1.GET("/ws", authMW.RequireAuth(), wsRouter.Handle)
	v1.POST("/billing/webhook", webhook.HandleWebhook)
	embeds.NewHandlers(embedSvc, log).RegisterRoutes(v1.Group("", authMW.RequireAuth()))

	internalToken := auth.RequireInternalToken(cfg.InternalAPISharedToken)
	internalGroup := router.Group("/internal", internalToken)
	internalapi.NewHandlers(internalapi.Options{
		Validator: validator,
		Billing:   billingSvc,
		Queries:   db.Queries,
		Files:     files,
		Transit:   transit,
		PDF:       pdfService,
		Bucket:    uploadsBucket,
		Logger:    log,
	}).RegisterRoutes(internalGroup)
	skills.NewHandlers(executor, skillRegistry, log).RegisterRoutes(internalGroup)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server listening", "port", cfg.Port, "environment", cfg.ServerEnvironment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err.Error())
	}
	manager.CloseAll()
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("dispatcher shutdown failed", "error", err.Error())
	}
	log.Info("shutdown complete")
}

// newTokenValidator picks the validator backend from configuration.
func newTokenValidator(ctx context.Context, cfg *config.Config) (auth.TokenValidator, error) {
	if cfg.ValidatorType == "jwk" {
		return auth.NewTokenValidator(cfg.JWTJWKSURL)
	}
	return auth.NewFirebaseTokenValidator(ctx, cfg.FirebaseCredJSON)
}

// bindSkillHandlers attaches the in-process skill implementations to the
// skills the manifests declare. Skills without an implementation here stay
// declared but unbound; the executor rejects calls to them.
func bindSkillHandlers(registry *skills.Registry, manifests []config.AppManifest, log *logger.Logger) {
	for _, manifest := range manifests {
		for _, skill := range manifest.Skills {
			var handler skills.Handler
			switch manifest.ID + "-" + skill.ID {
			case "web-search":
				handler = skills.NewWebSearch(search.NewService(skill.APIConfig, log), log)
			case "videos-transcript":
				handler = skills.NewTranscript(skill.APIConfig, log)
			default:
				continue
			}
			if err := registry.Bind(manifest.ID, skill.ID, handler); err != nil {
				log.Warn("failed to bind skill handler",
					"app", manifest.ID, "skill", skill.ID, "error", err.Error())
			}
		}
	}
}

// corsMiddleware answers preflights and stamps the allowed origin. The
// origin list is comma-separated; "*" allows any caller.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	origins := map[string]bool{}
	allowAll := false
	for _, o := range strings.Split(allowedOrigins, ",") {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		} else if o != "" {
			origins[o] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || origins[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Internal-Service-Token")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
