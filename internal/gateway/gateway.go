// Package gateway exposes the conversation engine over WebSocket. One
// connection carries one session: inbound audio frames drive the
// boundary detector, and engine output flows back as response text and
// synthesized audio.
package gateway

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/flow-engine/internal/audio"
	"github.com/lexiqai/flow-engine/internal/detector"
	"github.com/lexiqai/flow-engine/internal/flow"
	"github.com/lexiqai/flow-engine/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate Origin against an allowlist before exposing
		// the gateway outside a trusted network
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// sampleRate is the inbound PCM rate the gateway expects: 16kHz,
// 16-bit, mono.
const sampleRate = 16000

// ClientMessage is an inbound event from the caller's client
type ClientMessage struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	// Audio is a base64-encoded PCM frame for media events
	Audio string `json:"audio,omitempty"`
	// Label optionally pre-classifies the frame as "speech" or
	// "silence"; unlabelled frames are classified by energy
	Label string `json:"label,omitempty"`
}

// ServerMessage is an outbound event to the caller's client
type ServerMessage struct {
	Event       string `json:"event"`
	SessionID   string `json:"session_id,omitempty"`
	Text        string `json:"text,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	Audio       string `json:"audio,omitempty"`
	Destination string `json:"destination,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Gateway upgrades connections and binds them to engine sessions
type Gateway struct {
	engine       *flow.Engine
	vadThreshold float64
	bufferSize   int
	logger       zerolog.Logger
}

// Config for the gateway
type Config struct {
	// VADEnergyThreshold is the RMS level above which an unlabelled
	// frame counts as speech
	VADEnergyThreshold float64
	// AudioBufferSize is the outbound ring buffer capacity in bytes
	AudioBufferSize int
}

// New creates a gateway serving the given engine
func New(engine *flow.Engine, cfg Config) *Gateway {
	threshold := cfg.VADEnergyThreshold
	if threshold <= 0 {
		threshold = 500.0
	}
	bufferSize := cfg.AudioBufferSize
	if bufferSize <= 0 {
		bufferSize = 8192
	}
	return &Gateway{
		engine:       engine,
		vadThreshold: threshold,
		bufferSize:   bufferSize,
		logger:       observability.GetLogger().With().Str("component", "gateway").Logger(),
	}
}

// Handler returns the WebSocket endpoint
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()

		sess := newClientSession(g, conn)
		sess.run(r.Context())
	}
}

// clientSession binds one WebSocket connection to one engine session.
// It is the engine's OutputSink and the single consumer of inbound
// frames, so detector events stay in arrival order.
type clientSession struct {
	gateway    *Gateway
	conn       *websocket.Conn
	sessionID  string
	classifier *audio.Classifier
	detector   *detector.Detector
	outBuffer  *audio.RingBuffer

	writeMu sync.Mutex

	// utterances decouples turn processing from the read loop so
	// frames keep flowing while the engine thinks
	utterances chan []byte
	done       chan struct{}
	closeOnce  sync.Once

	logger zerolog.Logger
}

func newClientSession(g *Gateway, conn *websocket.Conn) *clientSession {
	return &clientSession{
		gateway:    g,
		conn:       conn,
		classifier: audio.NewClassifier(g.vadThreshold),
		outBuffer:  audio.NewRingBuffer(g.bufferSize),
		utterances: make(chan []byte, 8),
		done:       make(chan struct{}),
		logger:     g.logger,
	}
}

// run drives the session until the client disconnects or the flow
// terminates.
func (s *clientSession) run(ctx context.Context) {
	if !s.handshake(ctx) {
		return
	}
	defer func() {
		s.gateway.engine.EndSession(s.sessionID, "disconnected")
		s.shutdown()
	}()

	go s.processTurns(ctx)
	s.readLoop()
}

// handshake waits for the start event and opens the engine session
func (s *clientSession) handshake(ctx context.Context) bool {
	var msg ClientMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		s.logger.Warn().Err(err).Msg("Connection closed before start event")
		return false
	}
	if msg.Event != "start" {
		s.sendError("expected start event")
		return false
	}

	s.sessionID = msg.SessionID
	if s.sessionID == "" {
		s.sessionID = uuid.New().String()
	}
	s.logger = s.logger.With().Str("session_id", s.sessionID).Logger()

	silence, minSpeech, allowInterruptions := s.gateway.engine.DetectorSettings()
	s.detector = detector.New(detector.Config{
		SilenceThreshold:   silence,
		MinSpeechDuration:  minSpeech,
		AllowInterruptions: allowInterruptions,
	}, s.outputActive)

	// ack before the engine speaks so the client sees started first
	s.send(ServerMessage{Event: "started", SessionID: s.sessionID})

	if _, err := s.gateway.engine.StartSession(ctx, s.sessionID, s); err != nil {
		s.logger.Error().Err(err).Msg("Failed to start session")
		s.sendError(err.Error())
		return false
	}

	s.logger.Info().Msg("Session connected")
	return true
}

func (s *clientSession) outputActive() bool {
	sess, ok := s.gateway.engine.GetSession(s.sessionID)
	return ok && sess.OutputActive()
}

// readLoop is the single ordered consumer of inbound frames
func (s *clientSession) readLoop() {
	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msg.Event {
		case "media":
			s.handleFrame(msg)
		case "stop":
			s.logger.Info().Msg("Client requested stop")
			return
		default:
			s.logger.Debug().Str("event", msg.Event).Msg("Ignoring unknown event")
		}
	}
}

// handleFrame classifies one audio frame and feeds the detector
func (s *clientSession) handleFrame(msg ClientMessage) {
	pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping frame with invalid base64 audio")
		return
	}
	if len(pcm) == 0 {
		return
	}

	if sess, ok := s.gateway.engine.GetSession(s.sessionID); ok {
		sess.Metrics.RecordAudioBytes("in", int64(len(pcm)))
	}

	label := detector.LabelSilence
	switch msg.Label {
	case "speech":
		label = detector.LabelSpeech
	case "silence":
	default:
		if s.classifier.IsSpeech(pcm) {
			label = detector.LabelSpeech
		}
	}

	frame := detector.Frame{
		Label:     label,
		Timestamp: time.Now(),
		Duration:  time.Duration(len(pcm)/2) * time.Second / sampleRate,
		Audio:     pcm,
	}

	for _, event := range s.detector.Process(frame) {
		switch event.Type {
		case detector.EventSpeechStarted:
			s.send(ServerMessage{Event: "speech_started"})
		case detector.EventInterrupted:
			s.outBuffer.Clear()
			s.gateway.engine.OnInterrupted(s.sessionID)
		case detector.EventUtteranceComplete:
			select {
			case s.utterances <- event.Audio:
			default:
				s.logger.Warn().Msg("Utterance queue full, dropping utterance")
			}
		}
	}
}

// processTurns runs engine turns off the read loop, one at a time
func (s *clientSession) processTurns(ctx context.Context) {
	for {
		select {
		case utterance := <-s.utterances:
			if err := s.gateway.engine.OnUtteranceComplete(ctx, s.sessionID, utterance); err != nil {
				s.logger.Error().Err(err).Msg("Turn processing failed")
			}
		case <-s.done:
			return
		}
	}
}

// SendResponse implements flow.OutputSink
func (s *clientSession) SendResponse(text, nodeID string) {
	s.send(ServerMessage{Event: "response", Text: text, NodeID: nodeID})
}

// SendAudio implements flow.OutputSink. Chunks pass through the ring
// buffer so an interruption can discard audio not yet on the wire.
func (s *clientSession) SendAudio(chunk []byte) {
	for len(chunk) > 0 {
		n := s.outBuffer.Write(chunk)
		if n == 0 {
			// buffer full, flush it to the socket first
			s.flushAudio()
			continue
		}
		chunk = chunk[n:]
	}
	s.flushAudio()
}

func (s *clientSession) flushAudio() {
	buf := make([]byte, s.gateway.bufferSize)
	n := s.outBuffer.Read(buf)
	if n == 0 {
		return
	}
	s.send(ServerMessage{Event: "audio", Audio: base64.StdEncoding.EncodeToString(buf[:n])})
}

// SessionTransferred implements flow.OutputSink
func (s *clientSession) SessionTransferred(destination string) {
	s.send(ServerMessage{Event: "transfer", Destination: destination})
}

// SessionEnded implements flow.OutputSink
func (s *clientSession) SessionEnded(reason string) {
	s.send(ServerMessage{Event: "ended", Reason: reason})
	s.shutdown()
}

func (s *clientSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *clientSession) sendError(text string) {
	s.send(ServerMessage{Event: "error", Error: text})
}

// send serializes writes; gorilla connections allow one writer at a
// time.
func (s *clientSession) send(msg ServerMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("event", msg.Event).Msg("Write failed")
	}
}
