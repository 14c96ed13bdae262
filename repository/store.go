// Package repository persists render records and retained artifacts.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chipmunk/models"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a render does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the gorm handle for renders and artifacts
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured database and migrates the schema.
// driver is "sqlite" (pure Go, default) or "postgres".
func Open(driver, dsn string, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	return NewStore(db, log)
}

// NewStore migrates the schema on an existing connection
func NewStore(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&models.Render{}, &models.Artifact{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.With(zap.String("component", "store")),
	}, nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRender inserts a render in the processing state
func (s *Store) CreateRender(ctx context.Context, id, name string) (*models.Render, error) {
	render := &models.Render{
		ID:     id,
		Name:   name,
		Status: models.RenderProcessing,
	}
	if err := s.db.WithContext(ctx).Create(render).Error; err != nil {
		return nil, fmt.Errorf("failed to create render: %w", err)
	}
	return render, nil
}

// CompleteRender marks a render as completed with its output file name
func (s *Store) CompleteRender(ctx context.Context, id, outputFile string) error {
	now := time.Now()
	return s.updateRender(ctx, id, map[string]any{
		"status":      models.RenderCompleted,
		"output_file": outputFile,
		"finished_at": &now,
	})
}

// FailRender marks a render as failed
func (s *Store) FailRender(ctx context.Context, id, reason string) error {
	now := time.Now()
	return s.updateRender(ctx, id, map[string]any{
		"status":      models.RenderFailed,
		"error":       reason,
		"finished_at": &now,
	})
}

func (s *Store) updateRender(ctx context.Context, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.Render{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update render %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRender loads a render by id
func (s *Store) GetRender(ctx context.Context, id string) (*models.Render, error) {
	var render models.Render
	err := s.db.WithContext(ctx).First(&render, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load render %s: %w", id, err)
	}
	return &render, nil
}

// AddArtifact registers a retained file
func (s *Store) AddArtifact(ctx context.Context, renderID, kind, path string) error {
	artifact := &models.Artifact{RenderID: renderID, Kind: kind, Path: path}
	if err := s.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("failed to register artifact: %w", err)
	}
	return nil
}

// ExpiredArtifacts lists artifacts created before cutoff, oldest first
func (s *Store) ExpiredArtifacts(ctx context.Context, cutoff time.Time, limit int) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	err := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired artifacts: %w", err)
	}
	return artifacts, nil
}

// ArtifactPathInUse reports whether another live artifact row points at path.
// Outputs are named per display name, so a newer render may own the same file.
func (s *Store) ArtifactPathInUse(ctx context.Context, path string, excludeID uint, cutoff time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Artifact{}).
		Where("path = ? AND id <> ? AND created_at >= ?", path, excludeID, cutoff).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check artifact path: %w", err)
	}
	return count > 0, nil
}

// DeleteArtifact removes an artifact row
func (s *Store) DeleteArtifact(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&models.Artifact{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete artifact %d: %w", id, err)
	}
	return nil
}
