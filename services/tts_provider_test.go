package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chipmunk/config"
	"chipmunk/utils"
)

func newTestGTTS(url string) *GTTSProvider {
	p := NewGTTSProvider("en", time.Second, 3)
	p.baseURL = url
	p.retry.backoff = time.Millisecond
	return p
}

func TestGTTSProviderSynthesize(t *testing.T) {
	var mu sync.Mutex
	var queries []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query().Get("q"))
		mu.Unlock()

		assert.Equal(t, "en", r.URL.Query().Get("tl"))
		assert.Equal(t, "tw-ob", r.URL.Query().Get("client"))
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("[" + r.URL.Query().Get("idx") + "]"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "audio.mp3")
	require.NoError(t, newTestGTTS(srv.URL).Synthesize(context.Background(), "Alice", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "[0]", string(data))
	assert.Equal(t, []string{"Alice"}, queries)
}

func TestGTTSProviderChunksLongText(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query().Get("q")
		assert.LessOrEqual(t, len([]rune(q)), gttsMaxChunk)
		_, _ = w.Write([]byte("[" + r.URL.Query().Get("idx") + "/" + r.URL.Query().Get("total") + "]"))
	}))
	defer srv.Close()

	text := strings.Repeat("Happy birthday to the best friend ever. ", 6)
	out := filepath.Join(t.TempDir(), "audio.mp3")
	require.NoError(t, newTestGTTS(srv.URL).Synthesize(context.Background(), text, out))

	n := int(calls.Load())
	require.Greater(t, n, 1)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "[0/"))
	assert.Equal(t, n, strings.Count(string(data), "["))
}

func TestGTTSProviderRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "audio.mp3")
	require.NoError(t, newTestGTTS(srv.URL).Synthesize(context.Background(), "Alice", out))
	assert.EqualValues(t, 3, calls.Load())
}

func TestGTTSProviderFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"empty audio", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			out := filepath.Join(t.TempDir(), "audio.mp3")
			err := newTestGTTS(srv.URL).Synthesize(context.Background(), "Alice", out)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "failed after 3 attempts")
			assert.NoFileExists(t, out)
		})
	}
}

func TestGTTSProviderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	p := newTestGTTS(srv.URL)
	p.retry.timeout = 20 * time.Millisecond
	p.retry.attempts = 1

	err := p.Synthesize(context.Background(), "Alice", filepath.Join(t.TempDir(), "a.mp3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGTTSProviderEmptyText(t *testing.T) {
	err := newTestGTTS("http://127.0.0.1:0").Synthesize(context.Background(), "   ", filepath.Join(t.TempDir(), "a.mp3"))
	assert.Error(t, err)
}

func TestGoogleCloudProviderSynthesize(t *testing.T) {
	var failedKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		var req googleSynthesizeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Alice", req.Input.Text)
		assert.Equal(t, "en", req.Voice.LanguageCode)
		assert.Equal(t, "MP3", req.AudioConfig.AudioEncoding)

		if r.URL.Query().Get("key") == "bad" {
			failedKey.Store("bad")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"audioContent": base64.StdEncoding.EncodeToString([]byte("mp3-bytes")),
		})
	}))
	defer srv.Close()

	pool := utils.NewAPIKeyPool([]string{"bad", "good"})
	p := NewGoogleCloudProvider("en", pool, time.Second, 3)
	p.baseURL = srv.URL
	p.retry.backoff = time.Millisecond

	out := filepath.Join(t.TempDir(), "audio.mp3")
	require.NoError(t, p.Synthesize(context.Background(), "Alice", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "mp3-bytes", string(data))

	// a rejected key is benched
	if failedKey.Load() != nil {
		assert.Equal(t, 1, pool.Available())
	}
}

func TestGoogleCloudProviderAllKeysFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewGoogleCloudProvider("en", utils.NewAPIKeyPool([]string{"k1"}), time.Second, 3)
	p.baseURL = srv.URL
	p.retry.backoff = time.Millisecond

	err := p.Synthesize(context.Background(), "Alice", filepath.Join(t.TempDir(), "a.mp3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrNoAvailableKeys)
}

func TestNewSynthesizer(t *testing.T) {
	s, err := NewSynthesizer(&config.Config{TTSProvider: "gtts", TTSLanguage: "en"})
	require.NoError(t, err)
	assert.IsType(t, &GTTSProvider{}, s)

	s, err = NewSynthesizer(&config.Config{TTSProvider: "google_cloud", TTSAPIKeys: []string{"k"}})
	require.NoError(t, err)
	assert.IsType(t, &GoogleCloudProvider{}, s)

	_, err = NewSynthesizer(&config.Config{TTSProvider: "google_cloud"})
	assert.Error(t, err)

	_, err = NewSynthesizer(&config.Config{TTSProvider: "espeak"})
	assert.Error(t, err)
}
