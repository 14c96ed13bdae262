package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port        string
	UploadDir   string
	TempDir     string
	CORSOrigins []string
	MaxUploadMB int

	// Base clips
	AssetsDir      string
	BaseClipFirst  string
	BaseClipSecond string
	BaseClipThird  string

	// Caption overlay
	CaptionFontPath string
	CaptionFontSize float64
	CaptionX        int
	CaptionY        int

	// Profile thumbnail
	ProfileX             int
	ProfileY             int
	ProfileHeightDivisor int

	// Audio processing
	PitchMultiplier   float64
	SongWindowSeconds float64
	AudioSampleRate   int

	// Output
	OutputDurationSeconds float64
	VideoCodec            string
	AudioCodec            string

	// Speech synthesis
	TTSProvider   string
	TTSLanguage   string
	TTSAPIKeys    []string
	TTSTimeout    time.Duration
	TTSMaxRetries int

	// Timeouts
	ProbeTimeout  time.Duration
	EncodeTimeout time.Duration

	// Rate Limiting
	MaxConcurrentRenders int

	// Storage
	DatabaseDriver string
	DatabaseDSN    string

	// Retention
	RetentionPeriod        time.Duration
	RetentionSweepInterval time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "5000"),
		UploadDir:   getEnv("UPLOAD_DIR", "uploads"),
		TempDir:     getEnv("TEMP_DIR", "uploads/tmp"),
		CORSOrigins: parseList(getEnv("CORS_ORIGINS", "*")),
		MaxUploadMB: getEnvAsInt("MAX_UPLOAD_MB", 64),

		AssetsDir:      getEnv("ASSETS_DIR", "."),
		BaseClipFirst:  getEnv("BASE_CLIP_FIRST", "first.mp4"),
		BaseClipSecond: getEnv("BASE_CLIP_SECOND", "second.mp4"),
		BaseClipThird:  getEnv("BASE_CLIP_THIRD", "third.mp4"),

		CaptionFontPath: getEnv("CAPTION_FONT_PATH", ""),
		CaptionFontSize: getEnvAsFloat("CAPTION_FONT_SIZE", 70),
		CaptionX:        getEnvAsInt("CAPTION_X", 45),
		CaptionY:        getEnvAsInt("CAPTION_Y", 170),

		ProfileX:             getEnvAsInt("PROFILE_X", 950),
		ProfileY:             getEnvAsInt("PROFILE_Y", 500),
		ProfileHeightDivisor: getEnvAsInt("PROFILE_HEIGHT_DIVISOR", 8),

		PitchMultiplier:   getEnvAsFloat("PITCH_MULTIPLIER", 1.5),
		SongWindowSeconds: getEnvAsFloat("SONG_WINDOW_SECONDS", 20),
		AudioSampleRate:   getEnvAsInt("AUDIO_SAMPLE_RATE", 44100),

		OutputDurationSeconds: getEnvAsFloat("OUTPUT_DURATION_SECONDS", 10),
		VideoCodec:            getEnv("VIDEO_CODEC", "libx264"),
		AudioCodec:            getEnv("AUDIO_CODEC", "aac"),

		TTSProvider:   getEnv("TTS_PROVIDER", "gtts"),
		TTSLanguage:   getEnv("TTS_LANGUAGE", "en"),
		TTSAPIKeys:    parseList(getEnv("TTS_API_KEYS", "")),
		TTSTimeout:    getEnvAsDuration("TTS_TIMEOUT", 30*time.Second),
		TTSMaxRetries: getEnvAsInt("TTS_MAX_RETRIES", 3),

		ProbeTimeout:  getEnvAsDuration("PROBE_TIMEOUT", 30*time.Second),
		EncodeTimeout: getEnvAsDuration("ENCODE_TIMEOUT", 5*time.Minute),

		MaxConcurrentRenders: getEnvAsInt("MAX_CONCURRENT_RENDERS", 2),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    getEnv("DATABASE_DSN", "chipmunk.db"),

		RetentionPeriod:        getEnvAsDuration("RETENTION_PERIOD", 24*time.Hour),
		RetentionSweepInterval: getEnvAsDuration("RETENTION_SWEEP_INTERVAL", 10*time.Minute),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.UploadDir == "" {
		return errors.New("UPLOAD_DIR is required")
	}
	if c.TempDir == "" {
		return errors.New("TEMP_DIR is required")
	}
	if c.PitchMultiplier <= 0 {
		return errors.New("PITCH_MULTIPLIER must be positive")
	}
	if c.SongWindowSeconds <= 0 {
		return errors.New("SONG_WINDOW_SECONDS must be positive")
	}
	if c.OutputDurationSeconds <= 0 {
		return errors.New("OUTPUT_DURATION_SECONDS must be positive")
	}
	if c.ProfileHeightDivisor <= 0 {
		return errors.New("PROFILE_HEIGHT_DIVISOR must be positive")
	}
	if c.CaptionFontSize <= 0 {
		return errors.New("CAPTION_FONT_SIZE must be positive")
	}
	if c.MaxConcurrentRenders <= 0 {
		return errors.New("MAX_CONCURRENT_RENDERS must be positive")
	}
	switch c.TTSProvider {
	case "gtts":
	case "google_cloud":
		if len(c.TTSAPIKeys) == 0 {
			return errors.New("TTS_API_KEYS is required for google_cloud provider")
		}
	default:
		return fmt.Errorf("unsupported TTS_PROVIDER %q", c.TTSProvider)
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.RetentionPeriod < 0 {
		return errors.New("RETENTION_PERIOD must not be negative")
	}
	if c.RetentionPeriod > 0 && c.RetentionSweepInterval <= 0 {
		return errors.New("RETENTION_SWEEP_INTERVAL must be positive when retention is enabled")
	}
	for _, t := range []struct {
		key   string
		value time.Duration
	}{
		{"TTS_TIMEOUT", c.TTSTimeout},
		{"PROBE_TIMEOUT", c.ProbeTimeout},
		{"ENCODE_TIMEOUT", c.EncodeTimeout},
	} {
		if t.value <= 0 {
			return fmt.Errorf("%s must be positive", t.key)
		}
	}
	return nil
}

// BaseClipPaths returns the three base clips in playback order.
func (c *Config) BaseClipPaths() [3]string {
	return [3]string{
		joinAsset(c.AssetsDir, c.BaseClipFirst),
		joinAsset(c.AssetsDir, c.BaseClipSecond),
		joinAsset(c.AssetsDir, c.BaseClipThird),
	}
}

// MaxUploadBytes caps the size of a generate request body.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Helper functions

func joinAsset(dir, name string) string {
	if dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func parseList(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{Port: %s, UploadDir: %s, TTS: %s (%d keys), DB: %s, MaxRenders: %d, Retention: %s}",
		c.Port, c.UploadDir, c.TTSProvider, len(c.TTSAPIKeys), c.DatabaseDriver, c.MaxConcurrentRenders, c.RetentionPeriod)
}
