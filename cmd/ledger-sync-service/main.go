package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/banksync_backend/config"
	"bitbucket.org/mmdatafocus/banksync_backend/finbooksync"
	"bitbucket.org/mmdatafocus/banksync_backend/middlewares"
	"bitbucket.org/mmdatafocus/banksync_backend/models"
	"bitbucket.org/mmdatafocus/banksync_backend/utils"
	"bitbucket.org/mmdatafocus/banksync_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("LEDGER_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	client, err := finbooksync.NewFinBooksClient(os.Getenv("FINBOOKS_API_KEY"))
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "finbooks"}).Fatal(err)
	}

	// DB and Redis connect after the server is listening (Cloud Run wants the
	// port open fast), so these get their DB/Lock fields filled in below and
	// the readiness middleware rejects traffic until every field is wired.
	var ready atomic.Bool
	counter := &workflow.DBCounter{}
	engine := &workflow.ReconciliationEngine{ToleranceCents: workflow.DefaultToleranceCents}
	worker := finbooksync.NewPushWorker(client, nil, counter)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(middlewares.ReadinessMiddleware(&ready))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(func(c *gin.Context) {
		// Pub/Sub push carries an OIDC Authorization header, not a session
		// token; leave it alone.
		if strings.HasPrefix(c.Request.URL.Path, "/pubsub/") {
			c.Next()
			return
		}
		if c.GetHeader("token") == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token := strings.TrimSpace(auth[7:])
				if token != "" {
					c.Request.Header.Set("token", token)
				}
			}
		}
		c.Next()
	})
	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// API endpoints (ledger entries)
	r.GET("/api/entries", finbooksync.ListEntriesHandler())
	r.POST("/api/entries", finbooksync.CreateEntryHandler())
	r.PUT("/api/entries/:id/account-code", finbooksync.CategorizeEntryHandler())
	r.DELETE("/api/entries/:id", finbooksync.DeleteEntryHandler())

	// API endpoints (FinBooks integration)
	r.GET("/api/integrations/finbooks/status", finbooksync.StatusHandler())
	r.POST("/api/integrations/finbooks/connect", finbooksync.ConnectHandler())
	r.POST("/api/integrations/finbooks/disconnect", finbooksync.DisconnectHandler())
	r.POST("/api/integrations/finbooks/settings", finbooksync.UpdateSettingsHandler())
	r.POST("/api/integrations/finbooks/sync", finbooksync.TriggerSyncHandler())
	r.GET("/api/integrations/finbooks/sync-runs", finbooksync.SyncHistoryHandler())
	r.GET("/api/integrations/finbooks/sync-runs/:id", finbooksync.SyncRunDetailHandler())
	r.POST("/api/integrations/finbooks/sync-runs/:id/retry", finbooksync.RetrySyncRunHandler())

	r.GET("/api/integrations/finbooks/conflicts", finbooksync.ListConflictsHandler())
	r.POST("/api/integrations/finbooks/conflicts/:id/resolve", finbooksync.ResolveConflictHandler())
	r.POST("/api/integrations/finbooks/conflicts/:id/auto-resolve", finbooksync.AutoResolveConflictHandler())

	r.POST("/api/reconciliations", finbooksync.ReconcileHandler(engine))
	r.GET("/api/reconciliations/:id/unmatched", finbooksync.UnmatchedHandler(engine))
	r.POST("/api/reconciliations/:id/match", finbooksync.MatchHandler(engine))

	r.POST("/api/sequences/next", finbooksync.NextSequenceHandler(counter))
	r.POST("/api/sequences/reserve", finbooksync.ReserveSequenceHandler(counter))

	// Pub/Sub push endpoints for the sync worker.
	r.POST("/pubsub/finbooks-sync", finbooksync.PubSubPushHandler(worker))
	r.POST("/pubsub/finbooks-entry", finbooksync.PubSubEntryPushHandler(worker))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	lock := workflow.NewRedisBatchLock(config.GetRedisLock())
	counter.DB = db
	engine.DB = db
	engine.Lock = lock
	worker.Lock = lock

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	dispatcher := workflow.NewOutboxDispatcher(db, logger)
	go dispatcher.Run(sigCtx)

	ready.Store(true)

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
