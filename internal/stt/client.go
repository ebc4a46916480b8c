// Package stt implements the speech recognition collaborator on
// Deepgram's pre-recorded transcription API. The boundary detector
// delimits utterances, so each completed utterance is transcribed as
// one bounded request.
package stt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	listenv1rest "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	restinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/flow-engine/internal/observability"
	"github.com/lexiqai/flow-engine/internal/resilience"
)

// prerecordedAPI is the slice of the Deepgram SDK we use, kept narrow
// for test substitution.
type prerecordedAPI interface {
	FromStream(ctx context.Context, source io.Reader, options *clientinterfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error)
}

// Config for the Deepgram-backed transcriber
type Config struct {
	APIKey   string
	Model    string
	Language string

	BreakerMaxFailures  int
	BreakerResetTimeout int // seconds
}

// Client implements flow.Transcriber
type Client struct {
	api     prerecordedAPI
	options *clientinterfaces.PreRecordedTranscriptionOptions
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewClient creates a Deepgram transcription client
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Deepgram API key is required")
	}

	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	resetTimeout := time.Duration(cfg.BreakerResetTimeout) * time.Second
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	rest := listenClient.NewREST(cfg.APIKey, &clientinterfaces.ClientOptions{})

	return &Client{
		api: listenv1rest.New(rest),
		options: &clientinterfaces.PreRecordedTranscriptionOptions{
			Model:       model,
			Language:    language,
			Punctuate:   true,
			SmartFormat: true,
			Encoding:    "linear16",
			SampleRate:  16000,
			Channels:    1,
		},
		breaker: resilience.NewCircuitBreaker("deepgram", maxFailures, resetTimeout),
		logger:  observability.GetLogger().With().Str("component", "stt").Logger(),
	}, nil
}

// Transcribe resolves one utterance's audio to text
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	var transcript string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		resp, err := c.api.FromStream(ctx, bytes.NewReader(audio), c.options)
		if err != nil {
			return fmt.Errorf("deepgram request failed: %w", err)
		}

		transcript = firstTranscript(resp)
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug().Int("audio_bytes", len(audio)).Int("transcript_len", len(transcript)).Msg("Utterance transcribed")
	return transcript, nil
}

// HealthCheck reports whether the client is usable. The pre-recorded
// API has no ping endpoint, so this only verifies the breaker is not
// open.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if c.breaker.State() == resilience.StateOpen {
		return false, fmt.Errorf("deepgram circuit breaker is open")
	}
	return true, nil
}

func firstTranscript(resp *restinterfaces.PreRecordedResponse) string {
	if resp == nil || resp.Results == nil {
		return ""
	}
	for _, channel := range resp.Results.Channels {
		for _, alt := range channel.Alternatives {
			if t := strings.TrimSpace(alt.Transcript); t != "" {
				return t
			}
		}
	}
	return ""
}
