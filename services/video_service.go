package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"chipmunk/utils"
)

// Layout places the overlays on every clip
type Layout struct {
	CaptionX             int
	CaptionY             int
	ProfileX             int
	ProfileY             int
	ProfileHeightDivisor int
}

// Encoding holds the codec settings shared by every encode
type Encoding struct {
	VideoCodec string
	AudioCodec string
	SampleRate int
}

// Segment describes one composed clip.
// - Caption, when set, is overlaid at the caption position
// - Profile is scaled to 1/ProfileHeightDivisor of the clip height
// - AudioPath replaces the clip audio; otherwise the clip keeps its own audio
//   unless Silence is set or it has none
type Segment struct {
	BasePath    string
	Base        *utils.MediaInfo
	CaptionPath string
	ProfilePath string
	AudioPath   string
	Silence     bool
	OutputPath  string
}

// ProfileHeight is the overlay height for a clip of the given height.
func (l Layout) ProfileHeight(clipHeight int) int {
	divisor := max(l.ProfileHeightDivisor, 1)
	return max(clipHeight/divisor, 2)
}

// BuildSegmentArgs composes a clip in one ffmpeg pass. The output lasts
// exactly as long as the base clip.
func BuildSegmentArgs(seg Segment, layout Layout, enc Encoding) ([]string, error) {
	if seg.Base == nil || !seg.Base.HasVideo || seg.Base.Height <= 0 {
		return nil, fmt.Errorf("base clip %s has no video stream", seg.BasePath)
	}
	if seg.ProfilePath == "" {
		return nil, fmt.Errorf("profile image is required")
	}

	base := ffmpeg.Input(seg.BasePath)
	video := base.Video()

	if seg.CaptionPath != "" {
		caption := ffmpeg.Input(seg.CaptionPath)
		video = ffmpeg.Filter([]*ffmpeg.Stream{video, caption}, "overlay", ffmpeg.Args{}, ffmpeg.KwArgs{
			"x":          layout.CaptionX,
			"y":          layout.CaptionY,
			"eof_action": "repeat",
		})
	}

	profile := ffmpeg.Input(seg.ProfilePath).
		Filter("scale", ffmpeg.Args{"-2", strconv.Itoa(layout.ProfileHeight(seg.Base.Height))})
	video = ffmpeg.Filter([]*ffmpeg.Stream{video, profile}, "overlay", ffmpeg.Args{}, ffmpeg.KwArgs{
		"x":          layout.ProfileX,
		"y":          layout.ProfileY,
		"eof_action": "repeat",
	})

	var audio *ffmpeg.Stream
	switch {
	case seg.AudioPath != "":
		// Short tracks are padded with silence up to the clip length
		audio = ffmpeg.Input(seg.AudioPath).Audio().Filter("apad", ffmpeg.Args{})
	case seg.Base.HasAudio && !seg.Silence:
		audio = base.Audio()
	default:
		audio = ffmpeg.Input(fmt.Sprintf("anullsrc=r=%d:cl=stereo", enc.SampleRate), ffmpeg.KwArgs{"f": "lavfi"}).Audio()
	}

	return ffmpeg.Output([]*ffmpeg.Stream{video, audio}, seg.OutputPath, ffmpeg.KwArgs{
		"c:v":     enc.VideoCodec,
		"pix_fmt": "yuv420p",
		"c:a":     enc.AudioCodec,
		"ar":      enc.SampleRate,
		"ac":      2,
		"t":       utils.FormatSeconds(seg.Base.Duration),
	}).OverWriteOutput().GetArgs(), nil
}

// VideoService composes clips and joins them into the final video
type VideoService struct {
	runner        MediaRunner
	layout        Layout
	encoding      Encoding
	encodeTimeout time.Duration
}

// NewVideoService creates a new video service
func NewVideoService(runner MediaRunner, layout Layout, encoding Encoding, encodeTimeout time.Duration) *VideoService {
	return &VideoService{
		runner:        runner,
		layout:        layout,
		encoding:      encoding,
		encodeTimeout: encodeTimeout,
	}
}

// ComposeSegment renders one clip with its overlays and audio
func (vs *VideoService) ComposeSegment(ctx context.Context, seg Segment) error {
	args, err := BuildSegmentArgs(seg, vs.layout, vs.encoding)
	if err != nil {
		return kindError(ErrEncode, "%v", err)
	}

	return vs.run(ctx, args, seg.OutputPath)
}

// ConcatAndTrim joins segments in order, keeps the first duration seconds and
// encodes the result to outputPath. The frame follows reference.
func (vs *VideoService) ConcatAndTrim(ctx context.Context, segments []string, reference *utils.MediaInfo, duration float64, outputPath string) error {
	args, err := utils.BuildConcatArgs(segments, outputPath, utils.ConcatOptions{
		Width:      reference.Width,
		Height:     reference.Height,
		FPS:        reference.FrameRate,
		SampleRate: vs.encoding.SampleRate,
		Duration:   duration,
		VideoCodec: vs.encoding.VideoCodec,
		AudioCodec: vs.encoding.AudioCodec,
	})
	if err != nil {
		return kindError(ErrEncode, "%v", err)
	}

	return vs.run(ctx, args, outputPath)
}

func (vs *VideoService) run(ctx context.Context, args []string, outputPath string) error {
	runCtx, cancel := context.WithTimeout(ctx, vs.encodeTimeout)
	defer cancel()

	if err := vs.runner.Run(runCtx, args); err != nil {
		return kindError(ErrEncode, "failed to write %s: %w", outputPath, err)
	}
	if !utils.FileExists(outputPath) {
		return kindError(ErrEncode, "ffmpeg produced no output at %s", outputPath)
	}

	return nil
}
