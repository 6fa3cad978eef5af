// Package main runs the live-class session server: REST lifecycle endpoints,
// the websocket signaling channel, and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/schoolportally/live-backend/config"
	"github.com/schoolportally/live-backend/internal/auth"
	"github.com/schoolportally/live-backend/internal/middleware"
	"github.com/schoolportally/live-backend/internal/polls"
	"github.com/schoolportally/live-backend/internal/questions"
	"github.com/schoolportally/live-backend/internal/realtime"
	"github.com/schoolportally/live-backend/internal/recordings"
	"github.com/schoolportally/live-backend/internal/session"
	"github.com/schoolportally/live-backend/internal/turn"
	"github.com/schoolportally/live-backend/internal/worker"
	"github.com/schoolportally/live-backend/pkg/database"
	"github.com/schoolportally/live-backend/pkg/queue"
	"github.com/schoolportally/live-backend/pkg/redis"
	"github.com/schoolportally/live-backend/pkg/response"
	"github.com/schoolportally/live-backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Embedded TURN relay, optional.
	turnSrv, err := turn.Start(turn.Config{
		Enabled:  cfg.TURN.Enabled,
		PublicIP: cfg.TURN.PublicIP,
		Port:     cfg.TURN.Port,
		Realm:    cfg.TURN.Realm,
		Username: cfg.TURN.Username,
		Password: cfg.TURN.Password,
	}, logger)
	if err != nil {
		logger.Fatal("turn server", zap.Error(err))
	}
	defer turnSrv.Close()

	// Sessions
	sessionRepo := session.NewRepository(pool)
	liveSessions := session.NewManager()
	sessionService := session.NewService(sessionRepo, liveSessions, logger)
	coordinator := realtime.NewCoordinator(hub, liveSessions, sessionService, logger)
	sessionHandler := session.NewHandler(sessionService, sessionRepo, hub)

	// Peak participant tracking follows the hub's audience counts.
	hub.SetAudienceChangeHandler(func(sessionID uuid.UUID, count int) {
		if st := liveSessions.Get(sessionID); st != nil {
			st.NotePeak(count)
		}
	})

	// Polls and Q&A
	pollHandler := polls.NewHandler(liveSessions, hub)
	questionHandler := questions.NewHandler(liveSessions, hub)

	// Recordings
	recordingRepo := recordings.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	recordingHandler := recordings.NewHandler(recordingRepo, sessionRepo, s3Client, jobQueue, logger)
	recordingProcessor := worker.NewRecordingProcessor(recordingRepo, s3Client, jobQueue, logger)

	jwtValidate := func(token string) (userID, role string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID.String(), claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// ICE servers handed to clients before they negotiate.
	router.GET("/ice-servers", func(c *gin.Context) {
		urls := append([]string(nil), cfg.WebRTC.ICEUrls...)
		if turnSrv != nil {
			urls = append(urls, turn.URI(turn.Config{PublicIP: cfg.TURN.PublicIP, Port: cfg.TURN.Port}))
		}
		response.OK(c, gin.H{"urls": urls})
	})

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Session lifecycle
		api.POST("/sessions", middleware.RequireRole("teacher", "admin"), sessionHandler.Create)
		api.GET("/sessions", sessionHandler.List)
		api.GET("/sessions/:id", sessionHandler.GetByID)
		api.POST("/sessions/:id/start", sessionHandler.Start)
		api.POST("/sessions/:id/end", sessionHandler.End)

		// Live roster
		api.GET("/sessions/:id/participants", sessionHandler.Participants)
		api.GET("/sessions/:id/count", sessionHandler.Count)
		api.GET("/sessions/:id/waiting", sessionHandler.Waiting)
		api.POST("/sessions/:id/admit", sessionHandler.Admit)
		api.POST("/sessions/:id/kick", sessionHandler.Kick)
		api.PATCH("/sessions/:id/participants/:pid/permissions", sessionHandler.UpdatePermissions)

		// Polls
		api.POST("/sessions/:id/polls", pollHandler.Create)
		api.POST("/sessions/:id/polls/:pid/launch", pollHandler.Launch)
		api.POST("/sessions/:id/polls/:pid/close", pollHandler.Close)
		api.POST("/sessions/:id/polls/:pid/answer", pollHandler.Answer)

		// Q&A
		api.POST("/sessions/:id/questions", questionHandler.Ask)
		api.POST("/sessions/:id/questions/:qid/approve", questionHandler.Approve)
		api.POST("/sessions/:id/questions/:qid/upvote", questionHandler.Upvote)

		// Recordings
		api.POST("/sessions/:id/recordings", recordingHandler.Register)
		api.GET("/sessions/:id/recordings", recordingHandler.ListBySession)
		api.GET("/recordings/:id/download-url", recordingHandler.GenerateDownloadURL)
	}

	// WebSocket signaling (token in query; no Authorization header)
	router.GET("/ws", realtime.ServeWs(hub, coordinator, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (recording upload to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		go recordingProcessor.Run(workerCtx)
		logger.Info("recording worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
