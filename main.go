package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chipmunk/config"
	"chipmunk/handlers"
	"chipmunk/metrics"
	"chipmunk/repository"
	"chipmunk/services"
	"chipmunk/utils"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := initLogger(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded", zap.Stringer("config", cfg))

	for _, dir := range []string{cfg.UploadDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal("Failed to create directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	checkDependency(logger, "ffmpeg")
	checkDependency(logger, "ffprobe")
	for _, clip := range cfg.BaseClipPaths() {
		if !utils.FileExists(clip) {
			logger.Warn("Base clip not found, renders will fail until it is provided", zap.String("path", clip))
		}
	}

	store, err := repository.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	collector := metrics.NewCollector("chipmunk")

	// Pipeline
	synth, err := services.NewSynthesizer(cfg)
	if err != nil {
		logger.Fatal("Failed to create speech synthesizer", zap.Error(err))
	}
	captions, err := services.NewCaptionService(cfg.CaptionFontPath, cfg.CaptionFontSize)
	if err != nil {
		logger.Fatal("Failed to load caption font", zap.Error(err))
	}

	runner := utils.NewFFmpegRunner()
	prober := utils.NewFFprobeProber(cfg.ProbeTimeout)

	audio := services.NewAudioService(synth, runner, prober, cfg.PitchMultiplier, cfg.EncodeTimeout, cfg.ProbeTimeout)
	video := services.NewVideoService(runner, services.Layout{
		CaptionX:             cfg.CaptionX,
		CaptionY:             cfg.CaptionY,
		ProfileX:             cfg.ProfileX,
		ProfileY:             cfg.ProfileY,
		ProfileHeightDivisor: cfg.ProfileHeightDivisor,
	}, services.Encoding{
		VideoCodec: cfg.VideoCodec,
		AudioCodec: cfg.AudioCodec,
		SampleRate: cfg.AudioSampleRate,
	}, cfg.EncodeTimeout)
	composer := services.NewComposerService(cfg, captions, audio, video, prober, collector, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retention := services.NewRetentionService(store, cfg.RetentionPeriod, collector, logger)
	go retention.Start(ctx, cfg.RetentionSweepInterval)

	// Create Gin router
	if cfg.LogFormat == "json" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Setup CORS
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.CORSOrigins) == 0 || (len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	videoHandler := handlers.NewVideoHandler(cfg, composer, store, collector, logger)
	videoHandler.RegisterRoutes(router)

	// Start server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.EncodeTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

func initLogger(level, format string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	logger, err := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// checkDependency warns when an external tool is missing from PATH
func checkDependency(logger *zap.Logger, name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		logger.Warn("External dependency not found in PATH", zap.String("binary", name))
		return
	}
	logger.Debug("External dependency found", zap.String("binary", name), zap.String("path", path))
}
