package models

import "time"

// Render statuses
const (
	RenderProcessing = "processing"
	RenderCompleted  = "completed"
	RenderFailed     = "failed"
)

// Artifact kinds subject to retention
const (
	ArtifactOutput  = "output"
	ArtifactProfile = "profile_image"
)

// GenerateInput is everything one pipeline run needs from the caller
type GenerateInput struct {
	RenderID         string
	Name             string
	ProfileImagePath string
	SongPath         string
	StartTime        float64
}

// GenerateResponse returns the download link for the finished video
type GenerateResponse struct {
	VideoURL string `json:"video_url"`
	RenderID string `json:"render_id"`
}

// RenderResponse describes a stored render
type RenderResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	VideoURL   *string    `json:"video_url,omitempty"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Render tracks one pipeline run. Error holds the failing step, never
// internal paths.
type Render struct {
	ID         string `gorm:"primaryKey;size:36"`
	Name       string `gorm:"size:255"`
	Status     string `gorm:"size:16;index"`
	OutputFile string `gorm:"size:255"`
	Error      string `gorm:"size:255"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// Artifact is a retained file that the retention janitor may delete
type Artifact struct {
	ID        uint      `gorm:"primaryKey"`
	RenderID  string    `gorm:"size:36;index"`
	Kind      string    `gorm:"size:32"`
	Path      string    `gorm:"size:1024"`
	CreatedAt time.Time `gorm:"index"`
}
