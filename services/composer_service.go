package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"chipmunk/config"
	"chipmunk/metrics"
	"chipmunk/models"
	"chipmunk/utils"
)

// Pipeline step names, used in errors, logs and metrics
const (
	StepPrepare       = "prepare_workdir"
	StepProbeClips    = "probe_clips"
	StepValidate      = "validate_inputs"
	StepCaption       = "render_caption"
	StepSpeech        = "synthesize_speech"
	StepShiftSpeech   = "shift_speech"
	StepComposeSecond = "compose_second_clip"
	StepShiftSong     = "shift_song"
	StepComposeThird  = "compose_third_clip"
	StepComposeFirst  = "compose_first_clip"
	StepConcat        = "concat_and_encode"
	StepPublish       = "publish_output"
)

// ComposerService runs the personalized video pipeline
type ComposerService struct {
	uploadDir      string
	tempDir        string
	baseClips      [3]string
	songWindow     float64
	outputDuration float64
	probeTimeout   time.Duration

	captions *CaptionService
	audio    *AudioService
	video    *VideoService
	prober   MediaProber
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewComposerService wires the pipeline from configuration
func NewComposerService(cfg *config.Config, captions *CaptionService, audio *AudioService, video *VideoService, prober MediaProber, collector *metrics.Collector, logger *zap.Logger) *ComposerService {
	return &ComposerService{
		uploadDir:      cfg.UploadDir,
		tempDir:        cfg.TempDir,
		baseClips:      cfg.BaseClipPaths(),
		songWindow:     cfg.SongWindowSeconds,
		outputDuration: cfg.OutputDurationSeconds,
		probeTimeout:   cfg.ProbeTimeout,
		captions:       captions,
		audio:          audio,
		video:          video,
		prober:         prober,
		metrics:        collector,
		logger:         logger.With(zap.String("component", "composer")),
	}
}

// run holds the state of one pipeline invocation
type run struct {
	id      string
	slug    string
	workDir string
	scope   *utils.TempScope
	clips   [3]*utils.MediaInfo
	logger  *zap.Logger
}

func (r *run) path(name string) string {
	return r.scope.Track(filepath.Join(r.workDir, name))
}

// Generate produces output_<slug>.mp4 in the upload dir and returns its path.
// Every intermediate is removed before Generate returns, on success or failure.
func (cs *ComposerService) Generate(ctx context.Context, in models.GenerateInput) (outputPath string, err error) {
	started := time.Now()

	id := in.RenderID
	if id == "" {
		id = uuid.NewString()
	}

	r := &run{
		id:     id,
		slug:   utils.Slugify(in.Name),
		scope:  utils.NewTempScope(),
		logger: cs.logger.With(zap.String("render_id", id)),
	}

	defer func() {
		cs.cleanup(r)

		status := models.RenderCompleted
		if err != nil {
			status = models.RenderFailed
		}
		cs.metrics.RecordRender(status, time.Since(started))
	}()

	if err := cs.step(r, StepPrepare, func() error {
		workDir, err := utils.CreateTempDir(cs.tempDir, id)
		if err != nil {
			return kindError(ErrResourceUnavailable, "%w", err)
		}
		r.workDir = r.scope.Track(workDir)
		return nil
	}); err != nil {
		return "", err
	}

	r.logger.Info("Starting render", zap.String("name", in.Name), zap.Float64("start_time", in.StartTime))

	if err := cs.step(r, StepProbeClips, func() error { return cs.probeClips(ctx, r) }); err != nil {
		return "", err
	}
	if err := cs.step(r, StepValidate, func() error { return cs.validateInputs(in) }); err != nil {
		return "", err
	}

	// Second clip: caption and chipmunk speech
	captionPath := r.path(fmt.Sprintf("text_%s.png", r.slug))
	speechPath := r.path(fmt.Sprintf("audio_%s.mp3", r.slug))
	shiftedSpeechPath := r.path(fmt.Sprintf("chipmunk_audio_%s.wav", r.slug))

	if err := cs.step(r, StepCaption, func() error {
		return cs.captions.RenderToFile(in.Name, r.clips[1].Width, r.clips[1].Height, captionPath)
	}); err != nil {
		return "", err
	}
	if err := cs.step(r, StepSpeech, func() error {
		return cs.audio.Speak(ctx, in.Name, speechPath)
	}); err != nil {
		return "", err
	}
	if err := cs.step(r, StepShiftSpeech, func() error {
		duration, err := cs.audio.ShiftPitch(ctx, speechPath, shiftedSpeechPath, nil)
		if err != nil {
			return err
		}
		r.logger.Debug("Speech shifted", zap.Float64("duration", duration))
		return nil
	}); err != nil {
		return "", err
	}

	segments := [3]string{
		r.path("segment_1.mp4"),
		r.path("segment_2.mp4"),
		r.path("segment_3.mp4"),
	}

	if err := cs.step(r, StepComposeSecond, func() error {
		return cs.video.ComposeSegment(ctx, Segment{
			BasePath:    cs.baseClips[1],
			Base:        r.clips[1],
			CaptionPath: captionPath,
			ProfilePath: in.ProfileImagePath,
			AudioPath:   shiftedSpeechPath,
			OutputPath:  segments[1],
		})
	}); err != nil {
		return "", err
	}

	// Third clip: window of the song, chipmunked
	shiftedSongPath := r.path(fmt.Sprintf("chipmunk_song_%s.wav", r.slug))
	var window Window

	if err := cs.step(r, StepShiftSong, func() error {
		info, err := cs.audio.Probe(ctx, in.SongPath)
		if err != nil {
			return err
		}
		window = CropWindow(in.StartTime, cs.songWindow, info.Duration)
		if window.Empty() {
			r.logger.Info("Song window is empty, third clip will be silent",
				zap.Float64("song_duration", info.Duration))
			return nil
		}
		duration, err := cs.audio.ShiftPitch(ctx, in.SongPath, shiftedSongPath, &window)
		if err != nil {
			return err
		}
		r.logger.Debug("Song window shifted",
			zap.Float64("offset", window.Offset),
			zap.Float64("duration", duration))
		return nil
	}); err != nil {
		return "", err
	}

	third := Segment{
		BasePath:    cs.baseClips[2],
		Base:        r.clips[2],
		ProfilePath: in.ProfileImagePath,
		OutputPath:  segments[2],
	}
	if window.Empty() {
		third.Silence = true
	} else {
		third.AudioPath = shiftedSongPath
	}
	if err := cs.step(r, StepComposeThird, func() error {
		return cs.video.ComposeSegment(ctx, third)
	}); err != nil {
		return "", err
	}

	if err := cs.step(r, StepComposeFirst, func() error {
		return cs.video.ComposeSegment(ctx, Segment{
			BasePath:    cs.baseClips[0],
			Base:        r.clips[0],
			ProfilePath: in.ProfileImagePath,
			OutputPath:  segments[0],
		})
	}); err != nil {
		return "", err
	}

	// The encode target is unique per run; publishing renames it over the
	// shared output name.
	pendingPath := r.scope.Track(filepath.Join(cs.uploadDir, fmt.Sprintf(".output_%s_%s.mp4", r.slug, id)))
	if err := cs.step(r, StepConcat, func() error {
		return cs.video.ConcatAndTrim(ctx, segments[:], r.clips[0], cs.outputDuration, pendingPath)
	}); err != nil {
		return "", err
	}

	outputPath = filepath.Join(cs.uploadDir, fmt.Sprintf("output_%s.mp4", r.slug))
	if err := cs.step(r, StepPublish, func() error {
		if err := os.Rename(pendingPath, outputPath); err != nil {
			return kindError(ErrEncode, "failed to publish output: %v", err)
		}
		return nil
	}); err != nil {
		return "", err
	}

	r.logger.Info("Render completed",
		zap.String("output", outputPath),
		zap.Duration("elapsed", time.Since(started)))

	return outputPath, nil
}

// step runs fn, records its duration and tags a failure with the step name
func (cs *ComposerService) step(r *run, name string, fn func() error) error {
	started := time.Now()
	err := fn()
	elapsed := time.Since(started)
	cs.metrics.RecordStep(name, elapsed)

	if err != nil {
		r.logger.Error("Pipeline step failed",
			zap.String("step", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return &PipelineError{Step: name, Err: err}
	}

	r.logger.Debug("Pipeline step done", zap.String("step", name), zap.Duration("elapsed", elapsed))
	return nil
}

// probeClips reads the geometry and duration of the three base clips
func (cs *ComposerService) probeClips(ctx context.Context, r *run) error {
	for i, clip := range cs.baseClips {
		if !utils.FileExists(clip) {
			return kindError(ErrMediaNotFound, "base clip %d not found: %s", i+1, clip)
		}

		probeCtx, cancel := context.WithTimeout(ctx, cs.probeTimeout)
		info, err := cs.prober.Probe(probeCtx, clip)
		cancel()
		if err != nil {
			return kindError(ErrDecode, "failed to probe base clip %d: %w", i+1, err)
		}
		if !info.HasVideo || info.Width <= 0 || info.Height <= 0 || info.Duration <= 0 {
			return kindError(ErrDecode, "base clip %d has no usable video stream", i+1)
		}
		r.clips[i] = info
	}
	return nil
}

// validateInputs checks the uploads before any media work starts
func (cs *ComposerService) validateInputs(in models.GenerateInput) error {
	if err := checkImage(in.ProfileImagePath); err != nil {
		return err
	}
	if !utils.FileExists(in.SongPath) {
		return kindError(ErrMediaNotFound, "song not found")
	}
	return nil
}

func checkImage(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return kindError(ErrMediaNotFound, "profile image: %v", err)
	}
	defer file.Close()

	if _, _, err := image.DecodeConfig(file); err != nil {
		return kindError(ErrDecode, "profile image: %v", err)
	}
	return nil
}

func (cs *ComposerService) cleanup(r *run) {
	errs := r.scope.Cleanup()
	if len(errs) == 0 {
		return
	}

	cs.metrics.RecordCleanupFailures(len(errs))
	r.logger.Warn("Failed to remove intermediates",
		zap.Error(fmt.Errorf("%w: %w", ErrCleanup, errors.Join(errs...))))
}
