package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// maxStderrTail bounds how much ffmpeg stderr ends up in an error message.
const maxStderrTail = 2048

// MediaInfo is the subset of ffprobe output the pipeline relies on.
type MediaInfo struct {
	Duration   float64
	Width      int
	Height     int
	FrameRate  float64
	HasVideo   bool
	HasAudio   bool
	SampleRate int
}

// FFmpegRunner executes ffmpeg argument lists.
type FFmpegRunner struct {
	Binary string
}

// NewFFmpegRunner creates a runner using the ffmpeg binary on PATH
func NewFFmpegRunner() *FFmpegRunner {
	return &FFmpegRunner{Binary: "ffmpeg"}
}

// Run executes an FFmpeg command. The process is killed when ctx is done.
func (r *FFmpegRunner) Run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg interrupted: %w", ctxErr)
		}
		return fmt.Errorf("ffmpeg error: %w, stderr: %s", err, tail(stderr.String(), maxStderrTail))
	}

	return nil
}

// FFprobeProber reads stream metadata through ffmpeg-go's ffprobe wrapper.
type FFprobeProber struct {
	// DefaultTimeout applies when ctx carries no deadline.
	DefaultTimeout time.Duration
}

// NewFFprobeProber creates a prober with the given fallback timeout
func NewFFprobeProber(defaultTimeout time.Duration) *FFprobeProber {
	return &FFprobeProber{DefaultTimeout: defaultTimeout}
}

// Probe returns duration, geometry and audio metadata for a media file.
func (p *FFprobeProber) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	timeout := p.DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("ffprobe %s: %w", path, context.DeadlineExceeded)
	}

	out, err := ffmpeg.ProbeWithTimeout(path, timeout, ffmpeg.KwArgs{})
	if err != nil {
		return nil, fmt.Errorf("ffprobe error: %w", err)
	}

	return ParseProbeOutput([]byte(out))
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		SampleRate string `json:"sample_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ParseProbeOutput decodes ffprobe's JSON (-show_format -show_streams).
func ParseProbeOutput(data []byte) (*MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return nil, errors.New("no media streams found")
	}

	info := &MediaInfo{}
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.Width = s.Width
			info.Height = s.Height
			info.FrameRate = parseRational(s.RFrameRate)
		case "audio":
			if info.HasAudio {
				continue
			}
			info.HasAudio = true
			info.SampleRate, _ = strconv.Atoi(s.SampleRate)
		}
		if info.Duration == 0 {
			info.Duration, _ = strconv.ParseFloat(s.Duration, 64)
		}
	}

	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil && d > 0 {
		info.Duration = d
	}

	return info, nil
}

// parseRational parses "30000/1001" style frame rates.
func parseRational(value string) float64 {
	num, den, found := strings.Cut(value, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// ConcatOptions describes the final join-trim-encode pass.
type ConcatOptions struct {
	Width      int
	Height     int
	FPS        float64
	SampleRate int
	Duration   float64
	VideoCodec string
	AudioCodec string
}

// BuildConcatArgs concatenates segments (each with one video and one audio
// stream) in order, normalizing them to a common frame, then trims the joined
// result to opts.Duration.
func BuildConcatArgs(inputFiles []string, outputPath string, opts ConcatOptions) ([]string, error) {
	if len(inputFiles) == 0 {
		return nil, fmt.Errorf("no input files provided")
	}

	width, height := even(opts.Width), even(opts.Height)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output frame %dx%d", opts.Width, opts.Height)
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = 30
	}

	args := []string{}

	// Add input files
	for _, file := range inputFiles {
		args = append(args, "-i", file)
	}

	filterParts := []string{}

	for i := 0; i < len(inputFiles); i++ {
		vNorm := fmt.Sprintf("[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%s,format=yuv420p[v%d]",
			i, width, height, width, height, FormatSeconds(fps), i)
		aNorm := fmt.Sprintf("[%d:a]aformat=sample_rates=%d:channel_layouts=stereo[a%d]", i, opts.SampleRate, i)

		filterParts = append(filterParts, vNorm, aNorm)
	}

	concatFilter := ""
	for i := 0; i < len(inputFiles); i++ {
		concatFilter += fmt.Sprintf("[v%d][a%d]", i, i)
	}
	concatFilter += fmt.Sprintf("concat=n=%d:v=1:a=1[vcat][acat]", len(inputFiles))
	filterParts = append(filterParts, concatFilter)

	duration := FormatSeconds(opts.Duration)
	filterParts = append(filterParts,
		fmt.Sprintf("[vcat]trim=duration=%s,setpts=PTS-STARTPTS[vout]", duration),
		fmt.Sprintf("[acat]atrim=duration=%s,asetpts=PTS-STARTPTS[aout]", duration),
	)

	args = append(args,
		"-filter_complex", strings.Join(filterParts, ";"),
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", opts.VideoCodec,
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-c:a", opts.AudioCodec,
		"-b:a", "192k",
		"-t", duration,
		"-movflags", "+faststart",
		"-y", outputPath,
	)

	return args, nil
}

func even(v int) int {
	return v - v%2
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
