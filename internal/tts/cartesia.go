// Package tts implements the speech synthesis collaborator on
// Cartesia's bytes API.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/flow-engine/internal/observability"
	"github.com/lexiqai/flow-engine/internal/resilience"
)

const (
	defaultAPIURL  = "https://api.cartesia.ai/tts/bytes"
	apiVersion     = "2024-06-10"
	chunkSize      = 4096
	chunkQueueSize = 16
)

// Client implements flow.Synthesizer
type Client struct {
	apiKey     string
	apiURL     string
	voiceID    string
	modelID    string
	sampleRate int
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// Config for the Cartesia-backed synthesizer
type Config struct {
	APIKey  string
	VoiceID string
	ModelID string

	BreakerMaxFailures  int
	BreakerResetTimeout int // seconds
}

type synthesisRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceRef     `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
}

type voiceRef struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewClient creates a Cartesia synthesis client
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Cartesia API key is required")
	}

	voiceID := cfg.VoiceID
	if voiceID == "" {
		voiceID = "sonic-english"
	}
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = "sonic"
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	resetTimeout := time.Duration(cfg.BreakerResetTimeout) * time.Second
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	return &Client{
		apiKey:     cfg.APIKey,
		apiURL:     defaultAPIURL,
		voiceID:    voiceID,
		modelID:    modelID,
		sampleRate: 16000,
		httpClient: &http.Client{},
		breaker:    resilience.NewCircuitBreaker("cartesia", maxFailures, resetTimeout),
		logger:     observability.GetLogger().With().Str("component", "tts").Logger(),
	}, nil
}

// Synthesize converts text to PCM audio, streamed in chunks. The
// returned channel is closed when synthesis completes or ctx is
// cancelled; cancellation mid-stream abandons the remaining audio.
func (c *Client) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if text == "" {
		return nil, fmt.Errorf("nothing to synthesize")
	}

	var resp *http.Response
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(synthesisRequest{
			ModelID:    c.modelID,
			Transcript: text,
			Voice:      voiceRef{Mode: "id", ID: c.voiceID},
			OutputFormat: outputFormat{
				Container:  "raw",
				Encoding:   "pcm_s16le",
				SampleRate: c.sampleRate,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Cartesia-Version", apiVersion)

		r, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("synthesis request failed: %w", err)
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			return fmt.Errorf("cartesia API returned status %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, chunkQueueSize)
	go c.stream(ctx, resp.Body, out)
	return out, nil
}

// stream reads the response body into fixed-size chunks until EOF or
// cancellation.
func (c *Client) stream(ctx context.Context, body io.ReadCloser, out chan<- []byte) {
	defer body.Close()
	defer close(out)

	total := 0
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			total += n
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				c.logger.Debug().Int("bytes_sent", total).Msg("Synthesis stream cancelled")
				return
			}
		}
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				c.logger.Error().Err(err).Msg("Error reading synthesis response")
			}
			break
		}
	}
	c.logger.Debug().Int("audio_bytes", total).Msg("Synthesis complete")
}

// HealthCheck reports whether the client is usable
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if c.breaker.State() == resilience.StateOpen {
		return false, fmt.Errorf("cartesia circuit breaker is open")
	}
	return true, nil
}
