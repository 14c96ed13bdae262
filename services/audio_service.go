package services

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"chipmunk/utils"
)

// MediaRunner executes an ffmpeg argument list.
type MediaRunner interface {
	Run(ctx context.Context, args []string) error
}

// MediaProber reads stream metadata from a media file.
type MediaProber interface {
	Probe(ctx context.Context, path string) (*utils.MediaInfo, error)
}

// Window is a slice of an audio source, in seconds.
type Window struct {
	Offset   float64
	Duration float64
}

// Empty reports whether the window selects no audio.
func (w Window) Empty() bool {
	return w.Duration <= 0
}

// CropWindow selects up to length seconds starting at start from a source of
// sourceDuration seconds. The start is clamped into [0, sourceDuration].
func CropWindow(start, length, sourceDuration float64) Window {
	if math.IsNaN(start) || start < 0 {
		start = 0
	}
	if math.IsNaN(sourceDuration) || sourceDuration < 0 {
		sourceDuration = 0
	}
	if math.IsNaN(length) || length < 0 {
		length = 0
	}
	start = math.Min(start, sourceDuration)

	return Window{
		Offset:   start,
		Duration: math.Min(length, sourceDuration-start),
	}
}

// ShiftedDuration is the length of audio of the given duration after its
// sample rate is relabelled by multiplier.
func ShiftedDuration(duration, multiplier float64) float64 {
	if multiplier <= 0 {
		return duration
	}
	return duration / multiplier
}

// ShiftedRate is the sample rate the source is relabelled to.
func ShiftedRate(sampleRate int, multiplier float64) int {
	return int(float64(sampleRate) * multiplier)
}

// BuildPitchShiftArgs relabels the sample rate of src by multiplier and
// resamples back to the original rate. Pitch and tempo both scale by
// multiplier. A non-nil window limits the source read.
func BuildPitchShiftArgs(src, dst string, sampleRate int, multiplier float64, window *Window) ([]string, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if multiplier <= 0 {
		return nil, fmt.Errorf("invalid pitch multiplier %v", multiplier)
	}

	inputArgs := ffmpeg.KwArgs{}
	if window != nil {
		inputArgs["ss"] = utils.FormatSeconds(window.Offset)
		inputArgs["t"] = utils.FormatSeconds(window.Duration)
	}

	shifted := ffmpeg.Input(src, inputArgs).
		Audio().
		Filter("asetrate", ffmpeg.Args{strconv.Itoa(ShiftedRate(sampleRate, multiplier))}).
		Filter("aresample", ffmpeg.Args{strconv.Itoa(sampleRate)})

	return ffmpeg.Output([]*ffmpeg.Stream{shifted}, dst, ffmpeg.KwArgs{"acodec": "pcm_s16le"}).
		OverWriteOutput().
		GetArgs(), nil
}

// AudioService produces the speech and song tracks of the personalized video
type AudioService struct {
	synth         Synthesizer
	runner        MediaRunner
	prober        MediaProber
	multiplier    float64
	encodeTimeout time.Duration
	probeTimeout  time.Duration
}

// NewAudioService creates a new audio service
func NewAudioService(synth Synthesizer, runner MediaRunner, prober MediaProber, multiplier float64, encodeTimeout, probeTimeout time.Duration) *AudioService {
	return &AudioService{
		synth:         synth,
		runner:        runner,
		prober:        prober,
		multiplier:    multiplier,
		encodeTimeout: encodeTimeout,
		probeTimeout:  probeTimeout,
	}
}

// Speak synthesizes text into outputPath
func (as *AudioService) Speak(ctx context.Context, text, outputPath string) error {
	if err := as.synth.Synthesize(ctx, text, outputPath); err != nil {
		return kindError(ErrSynthesisUnavailable, "%w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return kindError(ErrSynthesisUnavailable, "synthesizer produced no audio")
	}

	return nil
}

// Probe reads audio metadata. Unreadable files and files without audio are ErrDecode.
func (as *AudioService) Probe(ctx context.Context, path string) (*utils.MediaInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, kindError(ErrMediaNotFound, "audio %s: %v", path, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, as.probeTimeout)
	defer cancel()

	info, err := as.prober.Probe(probeCtx, path)
	if err != nil {
		return nil, kindError(ErrDecode, "failed to probe %s: %w", path, err)
	}
	if !info.HasAudio || info.SampleRate <= 0 {
		return nil, kindError(ErrDecode, "%s has no audio stream", path)
	}

	return info, nil
}

// ShiftPitch writes a pitch-shifted WAV of src (optionally limited to window)
// to dst and returns its duration.
func (as *AudioService) ShiftPitch(ctx context.Context, src, dst string, window *Window) (float64, error) {
	info, err := as.Probe(ctx, src)
	if err != nil {
		return 0, err
	}

	sourceDuration := info.Duration
	if window != nil {
		sourceDuration = window.Duration
	}

	args, err := BuildPitchShiftArgs(src, dst, info.SampleRate, as.multiplier, window)
	if err != nil {
		return 0, kindError(ErrDecode, "%v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, as.encodeTimeout)
	defer cancel()

	if err := as.runner.Run(runCtx, args); err != nil {
		return 0, kindError(ErrDecode, "pitch shift of %s failed: %w", src, err)
	}

	return ShiftedDuration(sourceDuration, as.multiplier), nil
}
