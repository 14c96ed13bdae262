package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"chipmunk/models"
)

func (p *testPipeline) input(name string, start float64) models.GenerateInput {
	return models.GenerateInput{
		Name:             name,
		ProfileImagePath: p.profilePath,
		SongPath:         p.songPath,
		StartTime:        start,
	}
}

func TestGenerateProducesOutputAndCleansUp(t *testing.T) {
	p := newTestPipeline(t)

	out, err := p.composer.Generate(context.Background(), p.input("Alice", 5))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(p.cfg.UploadDir, "output_Alice.mp4"), out)
	assert.FileExists(t, out)
	p.assertNoLeftovers(t, "output_Alice.mp4")

	// speech shift, song shift, three segments, final concat
	assert.Len(t, p.runner.Calls(), 6)
	assert.Equal(t, []string{"Alice"}, p.synth.texts)

	concat := p.runner.callsWith("concat=n=3")
	require.Len(t, concat, 1)
	assert.Contains(t, strings.Join(concat[0], " "), "trim=duration=10")
	assert.Equal(t, "libx264", argValue(concat[0], "-c:v"))
	assert.Equal(t, "aac", argValue(concat[0], "-c:a"))
}

func TestGenerateComposesEachClip(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.composer.Generate(context.Background(), p.input("Bob", 0))
	require.NoError(t, err)

	second := p.runner.callsWith("segment_2.mp4")
	require.Len(t, second, 1)
	joined := strings.Join(second[0], " ")
	assert.Contains(t, joined, "text_Bob.png")
	assert.Contains(t, joined, "chipmunk_audio_Bob.wav")
	assert.Contains(t, joined, "x=45")
	assert.Contains(t, joined, "y=170")

	third := p.runner.callsWith("segment_3.mp4")
	require.Len(t, third, 1)
	joined = strings.Join(third[0], " ")
	assert.Contains(t, joined, "chipmunk_song_Bob.wav")
	assert.NotContains(t, joined, "text_Bob.png")

	first := p.runner.callsWith("segment_1.mp4")
	require.Len(t, first, 1)
	joined = strings.Join(first[0], " ")
	assert.NotContains(t, joined, "chipmunk_")
	assert.NotContains(t, joined, "anullsrc")

	// the profile image is on every clip
	for _, calls := range [][][]string{first, second, third} {
		joined := strings.Join(calls[0], " ")
		assert.Contains(t, joined, p.profilePath)
		assert.Contains(t, joined, "x=950")
		assert.Contains(t, joined, "scale=-2:90")
	}
}

func TestGenerateCropsSongWindow(t *testing.T) {
	p := newTestPipeline(t)
	p.prober.byName["song.mp3"].Duration = 12

	_, err := p.composer.Generate(context.Background(), p.input("Carol", 5))
	require.NoError(t, err)

	song := p.runner.callsWith("chipmunk_song_Carol.wav")
	require.NotEmpty(t, song)
	shift := song[0]
	assert.Equal(t, "5", argValue(shift, "-ss"))
	assert.Equal(t, "7", argValue(shift, "-t"))
	assert.Contains(t, strings.Join(shift, " "), "asetrate=66150")
}

func TestGenerateLogsShiftedDurations(t *testing.T) {
	p := newTestPipeline(t)
	p.prober.byName["song.mp3"].Duration = 12

	core, logs := observer.New(zap.DebugLevel)
	p.composer.logger = zap.New(core)

	_, err := p.composer.Generate(context.Background(), p.input("Carol", 5))
	require.NoError(t, err)

	speech := logs.FilterMessage("Speech shifted").All()
	require.Len(t, speech, 1)
	assert.InDelta(t, 2/1.5, speech[0].ContextMap()["duration"], 1e-9)

	song := logs.FilterMessage("Song window shifted").All()
	require.Len(t, song, 1)
	assert.InDelta(t, 7/1.5, song[0].ContextMap()["duration"], 1e-9)
	assert.EqualValues(t, 5, song[0].ContextMap()["offset"])
}

func TestGenerateStartPastSongEndUsesSilence(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.composer.Generate(context.Background(), p.input("Dave", 1000))
	require.NoError(t, err)

	assert.Len(t, p.runner.Calls(), 5)

	third := p.runner.callsWith("segment_3.mp4")
	require.Len(t, third, 1)
	joined := strings.Join(third[0], " ")
	assert.Contains(t, joined, "anullsrc")
	assert.NotContains(t, joined, "chipmunk_song")
	p.assertNoLeftovers(t, "output_Dave.mp4")
}

func TestGenerateSynthesisFailure(t *testing.T) {
	p := newTestPipeline(t)
	p.synth.err = errors.New("service offline")

	out, err := p.composer.Generate(context.Background(), p.input("Erin", 0))
	require.Error(t, err)
	assert.Empty(t, out)
	assert.ErrorIs(t, err, ErrSynthesisUnavailable)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StepSpeech, pe.Step)

	p.assertNoLeftovers(t)
	assert.Empty(t, p.runner.Calls())
}

func TestGenerateEncodeFailure(t *testing.T) {
	p := newTestPipeline(t)
	p.runner.fail = func(args []string) error {
		if strings.Contains(strings.Join(args, " "), "concat=") {
			return errors.New("encoder crashed")
		}
		return nil
	}

	_, err := p.composer.Generate(context.Background(), p.input("Frank", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncode)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StepConcat, pe.Step)

	assert.NoFileExists(t, filepath.Join(p.cfg.UploadDir, "output_Frank.mp4"))
	p.assertNoLeftovers(t)
}

func TestGeneratePartialEncodeIsRemoved(t *testing.T) {
	p := newTestPipeline(t)
	p.runner.fail = func(args []string) error {
		if strings.Contains(strings.Join(args, " "), "concat=") {
			// leave a truncated file behind, as a killed ffmpeg would
			require.NoError(t, os.WriteFile(outputOf(args), []byte("partial"), 0644))
			return errors.New("killed")
		}
		return nil
	}

	_, err := p.composer.Generate(context.Background(), p.input("Gina", 0))
	require.ErrorIs(t, err, ErrEncode)
	p.assertNoLeftovers(t)
}

func TestGenerateMissingBaseClip(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, os.Remove(p.cfg.BaseClipPaths()[2]))

	_, err := p.composer.Generate(context.Background(), p.input("Hank", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMediaNotFound)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StepProbeClips, pe.Step)
	assert.Empty(t, p.runner.Calls())
	p.assertNoLeftovers(t)
}

func TestGenerateWorkDirUnavailable(t *testing.T) {
	p := newTestPipeline(t)

	// a regular file where the temp root should be
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	p.composer.tempDir = blocker

	_, err := p.composer.Generate(context.Background(), p.input("Ivy", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResourceUnavailable)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StepPrepare, pe.Step)
	assert.Empty(t, p.runner.Calls())
	assert.Empty(t, p.synth.texts)
}

func TestGenerateUndecodableBaseClip(t *testing.T) {
	p := newTestPipeline(t)
	p.prober.errs["second.mp4"] = errors.New("moov atom not found")

	_, err := p.composer.Generate(context.Background(), p.input("Ivy", 0))
	assert.ErrorIs(t, err, ErrDecode)
	p.assertNoLeftovers(t)
}

func TestGenerateInvalidProfileImage(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, os.WriteFile(p.profilePath, []byte("not an image"), 0644))

	_, err := p.composer.Generate(context.Background(), p.input("Jack", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StepValidate, pe.Step)
	assert.Empty(t, p.synth.texts)
}

func TestGenerateUndecodableSong(t *testing.T) {
	p := newTestPipeline(t)
	p.prober.errs["song.mp3"] = errors.New("invalid data found")

	_, err := p.composer.Generate(context.Background(), p.input("Kim", 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StepShiftSong, pe.Step)
	p.assertNoLeftovers(t)
}

func TestGenerateConcurrentSameName(t *testing.T) {
	p := newTestPipeline(t)

	const runs = 2
	var wg sync.WaitGroup
	errs := make([]error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.composer.Generate(context.Background(), p.input("Sam", 0))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	segments := map[string]bool{}
	for _, args := range p.runner.callsWith("segment_2.mp4") {
		segments[outputOf(args)] = true
	}
	assert.Len(t, segments, runs, "each run must use its own intermediates")

	p.assertNoLeftovers(t, "output_Sam.mp4")
}

func TestGenerateUsesRenderID(t *testing.T) {
	p := newTestPipeline(t)
	in := p.input("Lee", 0)
	in.RenderID = "render-123"

	_, err := p.composer.Generate(context.Background(), in)
	require.NoError(t, err)

	for _, args := range p.runner.callsWith("segment_1.mp4") {
		assert.Equal(t, filepath.Join(p.cfg.TempDir, "render-123", "segment_1.mp4"), outputOf(args))
	}
}

func TestGenerateDistinctNamesGetDistinctOutputs(t *testing.T) {
	p := newTestPipeline(t)

	names := []string{"Zoë", "Zoé", "李雷", "王芳"}
	outputs := make([]string, 0, len(names))
	for _, name := range names {
		out, err := p.composer.Generate(context.Background(), p.input(name, 0))
		require.NoError(t, err)
		assert.FileExists(t, out)
		outputs = append(outputs, filepath.Base(out))
	}

	assert.Equal(t, []string{
		"output_Zo_eb_.mp4",
		"output_Zo_e9_.mp4",
		"output__674e__96f7_.mp4",
		"output__738b__82b3_.mp4",
	}, outputs)
	p.assertNoLeftovers(t, outputs...)
}
