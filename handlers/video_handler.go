package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"chipmunk/config"
	"chipmunk/metrics"
	"chipmunk/models"
	"chipmunk/repository"
	"chipmunk/services"
	"chipmunk/utils"
)

const (
	maxNameLength   = 100
	multipartMemory = 32 << 20
)

// Generator runs the video pipeline
type Generator interface {
	Generate(ctx context.Context, in models.GenerateInput) (string, error)
}

// RenderStore persists render records and retained artifacts
type RenderStore interface {
	CreateRender(ctx context.Context, id, name string) (*models.Render, error)
	CompleteRender(ctx context.Context, id, outputFile string) error
	FailRender(ctx context.Context, id, reason string) error
	GetRender(ctx context.Context, id string) (*models.Render, error)
	AddArtifact(ctx context.Context, renderID, kind, path string) error
}

// VideoHandler handles video generation requests
type VideoHandler struct {
	cfg       *config.Config
	generator Generator
	store     RenderStore
	slots     *semaphore.Weighted
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewVideoHandler creates a new video handler
func NewVideoHandler(cfg *config.Config, generator Generator, store RenderStore, collector *metrics.Collector, logger *zap.Logger) *VideoHandler {
	return &VideoHandler{
		cfg:       cfg,
		generator: generator,
		store:     store,
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrentRenders)),
		metrics:   collector,
		logger:    logger.With(zap.String("component", "video_handler")),
	}
}

// RegisterRoutes mounts the handler on router
func (h *VideoHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/generate", h.Generate)
	router.GET("/uploads/:filename", h.Download)
	router.GET("/api/renders/:id", h.GetRender)
}

// Generate handles POST /generate. The render runs synchronously and the
// response carries the download link.
func (h *VideoHandler) Generate(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes())
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("upload exceeds %d MB", h.cfg.MaxUploadMB)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a multipart form"})
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("name too long (max %d chars)", maxNameLength)})
		return
	}

	startTime, err := strconv.ParseFloat(strings.TrimSpace(c.PostForm("start_time")), 64)
	if err != nil || math.IsNaN(startTime) || math.IsInf(startTime, 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_time must be a number of seconds"})
		return
	}

	profile, err := c.FormFile("profile_image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile_image file is required"})
		return
	}
	song, err := c.FormFile("song")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "song file is required"})
		return
	}

	ctx := c.Request.Context()

	if err := h.slots.Acquire(ctx, 1); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy, try again later"})
		return
	}
	h.metrics.SlotAcquired()
	defer func() {
		h.slots.Release(1)
		h.metrics.SlotReleased()
	}()

	renderID := uuid.NewString()
	logger := h.logger.With(zap.String("render_id", renderID))

	profilePath, err := h.saveUpload(c, profile, renderID+"_profile")
	if err != nil {
		logger.Error("Failed to save profile image", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}
	songPath, err := h.saveUpload(c, song, renderID+"_song")
	if err != nil {
		logger.Error("Failed to save song", zap.Error(err))
		h.removeFile(logger, profilePath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}
	// The song only feeds this render
	defer h.removeFile(logger, songPath)

	// Bookkeeping outlives a client that hangs up mid-render
	storeCtx := context.WithoutCancel(ctx)

	if _, err := h.store.CreateRender(storeCtx, renderID, name); err != nil {
		logger.Error("Failed to create render record", zap.Error(err))
		h.removeFile(logger, profilePath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "video generation failed"})
		return
	}
	if err := h.store.AddArtifact(storeCtx, renderID, models.ArtifactProfile, profilePath); err != nil {
		logger.Warn("Failed to register profile image for retention", zap.Error(err))
	}

	outputPath, err := h.generator.Generate(ctx, models.GenerateInput{
		RenderID:         renderID,
		Name:             name,
		ProfileImagePath: profilePath,
		SongPath:         songPath,
		StartTime:        startTime,
	})
	if err != nil {
		logger.Error("Video generation failed", zap.Error(err))
		if err := h.store.FailRender(storeCtx, renderID, failureReason(err)); err != nil {
			logger.Warn("Failed to record render failure", zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "video generation failed"})
		return
	}

	outputFile := filepath.Base(outputPath)
	if err := h.store.CompleteRender(storeCtx, renderID, outputFile); err != nil {
		logger.Warn("Failed to record render completion", zap.Error(err))
	}
	if err := h.store.AddArtifact(storeCtx, renderID, models.ArtifactOutput, outputPath); err != nil {
		logger.Warn("Failed to register output for retention", zap.Error(err))
	}

	c.JSON(http.StatusOK, models.GenerateResponse{
		VideoURL: downloadURL(outputFile),
		RenderID: renderID,
	})
}

// Download handles GET /uploads/:filename
func (h *VideoHandler) Download(c *gin.Context) {
	name := filepath.Base(filepath.Clean("/" + c.Param("filename")))
	if name == "/" || strings.HasPrefix(name, ".") {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	path := filepath.Join(h.cfg.UploadDir, name)
	if !utils.FileExists(path) {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	c.FileAttachment(path, name)
}

// GetRender handles GET /api/renders/:id
func (h *VideoHandler) GetRender(c *gin.Context) {
	render, err := h.store.GetRender(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Render not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load render", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load render"})
		return
	}

	resp := models.RenderResponse{
		ID:         render.ID,
		Name:       render.Name,
		Status:     render.Status,
		CreatedAt:  render.CreatedAt,
		FinishedAt: render.FinishedAt,
	}

	if render.Status == models.RenderCompleted && render.OutputFile != "" {
		videoURL := downloadURL(render.OutputFile)
		resp.VideoURL = &videoURL
	}

	if render.Error != "" {
		errMsg := render.Error
		resp.Error = &errMsg
	}

	c.JSON(http.StatusOK, resp)
}

// saveUpload stores an uploaded file under a unique, sanitized name
func (h *VideoHandler) saveUpload(c *gin.Context, file *multipart.FileHeader, prefix string) (string, error) {
	path := filepath.Join(h.cfg.UploadDir, utils.SafeUploadName(prefix, file.Filename))
	if err := c.SaveUploadedFile(file, path); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", file.Filename, err)
	}
	return path, nil
}

func (h *VideoHandler) removeFile(logger *zap.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to remove upload", zap.String("path", path), zap.Error(err))
	}
}

// failureReason names the failed step without leaking paths
func failureReason(err error) string {
	var pe *services.PipelineError
	if errors.As(err, &pe) {
		return fmt.Sprintf("step %s failed", pe.Step)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "internal error"
}

func downloadURL(file string) string {
	return "/uploads/" + file
}
