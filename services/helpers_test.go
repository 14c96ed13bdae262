package services

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chipmunk/config"
	"chipmunk/utils"
)

// fakeRunner records ffmpeg invocations and writes a placeholder output file.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fail  func(args []string) error
}

func (f *fakeRunner) Run(ctx context.Context, args []string) error {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	fail := f.fail
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if fail != nil {
		if err := fail(args); err != nil {
			return err
		}
	}
	return os.WriteFile(outputOf(args), []byte("media"), 0644)
}

func (f *fakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

// callsWith returns the invocations whose joined args contain substr
func (f *fakeRunner) callsWith(substr string) [][]string {
	var out [][]string
	for _, args := range f.Calls() {
		if strings.Contains(strings.Join(args, " "), substr) {
			out = append(out, args)
		}
	}
	return out
}

func outputOf(args []string) string {
	for i := len(args) - 1; i >= 0; i-- {
		if args[i] != "-y" {
			return args[i]
		}
	}
	return ""
}

// fakeProber answers by file name, then by extension.
type fakeProber struct {
	byName map[string]*utils.MediaInfo
	errs   map[string]error
}

func (p *fakeProber) Probe(ctx context.Context, path string) (*utils.MediaInfo, error) {
	name := filepath.Base(path)
	if err, ok := p.errs[name]; ok {
		return nil, err
	}
	if info, ok := p.byName[name]; ok {
		c := *info
		return &c, nil
	}
	if filepath.Ext(name) == ".mp4" {
		return &utils.MediaInfo{Duration: 4, Width: 1280, Height: 720, FrameRate: 30, HasVideo: true, HasAudio: true, SampleRate: 44100}, nil
	}
	return &utils.MediaInfo{Duration: 2, HasAudio: true, SampleRate: 24000}, nil
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *fakeSynth) Synthesize(ctx context.Context, text, outputPath string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(outputPath, []byte("ID3speech"), 0644)
}

type testPipeline struct {
	cfg         *config.Config
	runner      *fakeRunner
	prober      *fakeProber
	synth       *fakeSynth
	composer    *ComposerService
	profilePath string
	songPath    string
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		UploadDir:             filepath.Join(dir, "uploads"),
		TempDir:               filepath.Join(dir, "tmp"),
		AssetsDir:             filepath.Join(dir, "assets"),
		BaseClipFirst:         "first.mp4",
		BaseClipSecond:        "second.mp4",
		BaseClipThird:         "third.mp4",
		CaptionFontSize:       70,
		CaptionX:              45,
		CaptionY:              170,
		ProfileX:              950,
		ProfileY:              500,
		ProfileHeightDivisor:  8,
		PitchMultiplier:       1.5,
		SongWindowSeconds:     20,
		AudioSampleRate:       44100,
		OutputDurationSeconds: 10,
		VideoCodec:            "libx264",
		AudioCodec:            "aac",
		ProbeTimeout:          5 * time.Second,
		EncodeTimeout:         5 * time.Second,
	}
	for _, d := range []string{cfg.UploadDir, cfg.TempDir, cfg.AssetsDir} {
		require.NoError(t, os.MkdirAll(d, 0755))
	}
	for _, clip := range cfg.BaseClipPaths() {
		require.NoError(t, os.WriteFile(clip, []byte("clip"), 0644))
	}

	p := &testPipeline{
		cfg:         cfg,
		runner:      &fakeRunner{},
		prober:      &fakeProber{byName: map[string]*utils.MediaInfo{}, errs: map[string]error{}},
		synth:       &fakeSynth{},
		profilePath: filepath.Join(cfg.UploadDir, "profile.png"),
		songPath:    filepath.Join(cfg.UploadDir, "song.mp3"),
	}
	writePNG(t, p.profilePath, 64, 64)
	require.NoError(t, os.WriteFile(p.songPath, []byte("ID3song"), 0644))
	p.prober.byName["song.mp3"] = &utils.MediaInfo{Duration: 30, HasAudio: true, SampleRate: 44100}

	captions, err := NewCaptionService("", cfg.CaptionFontSize)
	require.NoError(t, err)

	audio := NewAudioService(p.synth, p.runner, p.prober, cfg.PitchMultiplier, cfg.EncodeTimeout, cfg.ProbeTimeout)
	video := NewVideoService(p.runner, Layout{
		CaptionX:             cfg.CaptionX,
		CaptionY:             cfg.CaptionY,
		ProfileX:             cfg.ProfileX,
		ProfileY:             cfg.ProfileY,
		ProfileHeightDivisor: cfg.ProfileHeightDivisor,
	}, Encoding{
		VideoCodec: cfg.VideoCodec,
		AudioCodec: cfg.AudioCodec,
		SampleRate: cfg.AudioSampleRate,
	}, cfg.EncodeTimeout)

	p.composer = NewComposerService(cfg, captions, audio, video, p.prober, nil, zap.NewNop())
	return p
}

// assertNoLeftovers checks the temp dir is empty and the upload dir holds
// only the inputs plus the expected outputs.
func (p *testPipeline) assertNoLeftovers(t *testing.T, outputs ...string) {
	t.Helper()

	tmp, err := os.ReadDir(p.cfg.TempDir)
	require.NoError(t, err)
	require.Empty(t, tmp, "temp dir should be empty")

	want := map[string]bool{"profile.png": true, "song.mp3": true}
	for _, o := range outputs {
		want[o] = true
	}

	entries, err := os.ReadDir(p.cfg.UploadDir)
	require.NoError(t, err)
	got := map[string]bool{}
	for _, e := range entries {
		got[e.Name()] = true
	}
	require.Equal(t, want, got)
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 255, A: 255})
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
