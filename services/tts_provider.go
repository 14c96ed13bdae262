package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"chipmunk/config"
	"chipmunk/utils"
)

const (
	// gttsMaxChunk is the longest text the translate endpoint accepts per request.
	gttsMaxChunk = 100

	defaultGTTSURL        = "https://translate.google.com/translate_tts"
	defaultGoogleCloudURL = "https://texttospeech.googleapis.com/v1/text:synthesize"

	keyCooldown = 60 * time.Second
)

// Synthesizer writes spoken audio for text to outputPath.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outputPath string) error
}

// retryPolicy bounds every remote synthesis call.
type retryPolicy struct {
	attempts int
	timeout  time.Duration // per attempt
	backoff  time.Duration // grows linearly with the attempt number
}

// do runs fn until it succeeds, the attempts run out or ctx is done.
func (rp retryPolicy) do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(rp.attempts, 1)
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, rp.timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * rp.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("synthesis cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// GTTSProvider speaks text through the public Google Translate TTS endpoint.
// Text is split into chunks the endpoint accepts and the MP3 responses are
// concatenated in order.
type GTTSProvider struct {
	baseURL    string
	language   string
	httpClient *http.Client
	chunker    *TextProcessor
	retry      retryPolicy
}

// NewGTTSProvider creates a provider for the given language code
func NewGTTSProvider(language string, timeout time.Duration, maxRetries int) *GTTSProvider {
	return &GTTSProvider{
		baseURL:    defaultGTTSURL,
		language:   language,
		httpClient: &http.Client{},
		chunker:    NewTextProcessor(gttsMaxChunk),
		retry:      retryPolicy{attempts: maxRetries, timeout: timeout, backoff: time.Second},
	}
}

func (p *GTTSProvider) Synthesize(ctx context.Context, text, outputPath string) error {
	chunks := p.chunker.SplitForSpeech(text)
	if len(chunks) == 0 {
		return errors.New("no text to speak")
	}

	var audio bytes.Buffer
	for i, chunk := range chunks {
		var data []byte
		err := p.retry.do(ctx, func(ctx context.Context) error {
			var err error
			data, err = p.fetchChunk(ctx, chunk, i, len(chunks))
			return err
		})
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		audio.Write(data)
	}

	return os.WriteFile(outputPath, audio.Bytes(), 0644)
}

func (p *GTTSProvider) fetchChunk(ctx context.Context, chunk string, idx, total int) ([]byte, error) {
	query := url.Values{}
	query.Set("ie", "UTF-8")
	query.Set("client", "tw-ob")
	query.Set("tl", p.language)
	query.Set("q", chunk)
	query.Set("total", strconv.Itoa(total))
	query.Set("idx", strconv.Itoa(idx))
	query.Set("textlen", strconv.Itoa(runeLen(chunk)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TTS endpoint returned status %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, errors.New("TTS endpoint returned no audio")
	}

	return body, nil
}

// GoogleCloudProvider uses the Cloud Text-to-Speech REST API, rotating
// through the configured API keys.
type GoogleCloudProvider struct {
	baseURL    string
	language   string
	apiPool    *utils.APIKeyPool
	httpClient *http.Client
	retry      retryPolicy
}

// NewGoogleCloudProvider creates a provider backed by an API key pool
func NewGoogleCloudProvider(language string, apiPool *utils.APIKeyPool, timeout time.Duration, maxRetries int) *GoogleCloudProvider {
	return &GoogleCloudProvider{
		baseURL:    defaultGoogleCloudURL,
		language:   language,
		apiPool:    apiPool,
		httpClient: &http.Client{},
		retry:      retryPolicy{attempts: maxRetries, timeout: timeout, backoff: time.Second},
	}
}

type googleSynthesizeRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		LanguageCode string `json:"languageCode"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding string `json:"audioEncoding"`
	} `json:"audioConfig"`
}

func (p *GoogleCloudProvider) Synthesize(ctx context.Context, text, outputPath string) error {
	if text == "" {
		return errors.New("no text to speak")
	}

	var audio []byte
	err := p.retry.do(ctx, func(ctx context.Context) error {
		apiKey, err := p.apiPool.GetKey()
		if err != nil {
			return err
		}

		audio, err = p.call(ctx, text, apiKey)
		if err != nil {
			p.apiPool.MarkFailed(apiKey, keyCooldown)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	return os.WriteFile(outputPath, audio, 0644)
}

func (p *GoogleCloudProvider) call(ctx context.Context, text, apiKey string) ([]byte, error) {
	var reqBody googleSynthesizeRequest
	reqBody.Input.Text = text
	reqBody.Voice.LanguageCode = p.language
	reqBody.AudioConfig.AudioEncoding = "MP3"

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"?key="+url.QueryEscape(apiKey), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("Google API failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AudioContent string `json:"audioContent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(result.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio content: %w", err)
	}
	if len(decoded) == 0 {
		return nil, errors.New("Google API returned no audio")
	}

	return decoded, nil
}

// NewSynthesizer builds the provider selected by TTS_PROVIDER
func NewSynthesizer(cfg *config.Config) (Synthesizer, error) {
	switch cfg.TTSProvider {
	case "", "gtts":
		return NewGTTSProvider(cfg.TTSLanguage, cfg.TTSTimeout, cfg.TTSMaxRetries), nil
	case "google_cloud":
		pool := utils.NewAPIKeyPool(cfg.TTSAPIKeys)
		if pool == nil {
			return nil, errors.New("google_cloud TTS requires TTS_API_KEYS")
		}
		return NewGoogleCloudProvider(cfg.TTSLanguage, pool, cfg.TTSTimeout, cfg.TTSMaxRetries), nil
	default:
		return nil, fmt.Errorf("unsupported TTS provider: %s", cfg.TTSProvider)
	}
}
