package detector

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/flow-engine/internal/observability"
)

// FrameLabel classifies a single audio frame
type FrameLabel string

const (
	LabelSpeech  FrameLabel = "speech"
	LabelSilence FrameLabel = "silence"
)

// Frame is one classified slice of inbound audio
type Frame struct {
	Label     FrameLabel
	Timestamp time.Time
	Duration  time.Duration
	Audio     []byte
}

// EventType identifies a boundary event
type EventType string

const (
	EventSpeechStarted     EventType = "speech_started"
	EventUtteranceComplete EventType = "utterance_complete"
	EventInterrupted       EventType = "interrupted"
)

// Event is emitted when the detector crosses a speech boundary
type Event struct {
	Type      EventType
	Timestamp time.Time
	// Audio and Duration are set only on EventUtteranceComplete
	Audio    []byte
	Duration time.Duration
}

// state tracks where the detector is in an utterance
type state int

const (
	stateIdle state = iota
	stateSpeechActive
	stateSilencePending
)

// Config holds detector tuning parameters
type Config struct {
	// Silence this long after speech ends the utterance
	SilenceThreshold time.Duration
	// Speech shorter than this is discarded as noise
	MinSpeechDuration time.Duration
	// Whether speech during active output emits an interruption event
	AllowInterruptions bool
}

// Detector turns a stream of classified frames into utterance boundary
// events. It is driven by a single goroutine per session; Process is
// not safe for concurrent use.
type Detector struct {
	cfg    Config
	logger zerolog.Logger

	st             state
	pendingSpeech  time.Duration // speech accumulated before the noise gate opens
	pendingAudio   []byte
	utterance      []byte
	speechDuration time.Duration
	silence        time.Duration
	speechStart    time.Time

	// outputActive reports whether the agent is currently speaking,
	// queried at the moment speech is confirmed
	outputActive func() bool
}

// New creates a detector. outputActive may be nil when barge-in
// detection is not needed.
func New(cfg Config, outputActive func() bool) *Detector {
	if outputActive == nil {
		outputActive = func() bool { return false }
	}
	return &Detector{
		cfg:          cfg,
		logger:       observability.GetLogger().With().Str("component", "detector").Logger(),
		st:           stateIdle,
		outputActive: outputActive,
	}
}

// Process consumes one frame and returns any boundary events it
// produced, in emission order.
func (d *Detector) Process(frame Frame) []Event {
	var events []Event

	switch d.st {
	case stateIdle:
		if frame.Label == LabelSpeech {
			events = d.accumulatePending(frame)
		} else {
			// noise blips below the gate are dropped
			d.resetPending()
		}

	case stateSpeechActive:
		if frame.Label == LabelSpeech {
			d.appendSpeech(frame)
		} else {
			d.st = stateSilencePending
			d.silence = frame.Duration
		}

	case stateSilencePending:
		if frame.Label == LabelSpeech {
			// pause, not a boundary: same utterance continues
			d.st = stateSpeechActive
			d.silence = 0
			d.appendSpeech(frame)
		} else {
			d.silence += frame.Duration
			if d.silence >= d.cfg.SilenceThreshold {
				events = append(events, d.completeUtterance(frame.Timestamp))
			}
		}
	}

	for _, ev := range events {
		observability.RecordDetectorEvent(string(ev.Type))
	}
	return events
}

// accumulatePending buffers speech until it clears the minimum
// duration gate, then opens the utterance.
func (d *Detector) accumulatePending(frame Frame) []Event {
	d.pendingSpeech += frame.Duration
	d.pendingAudio = append(d.pendingAudio, frame.Audio...)
	if d.speechStart.IsZero() {
		d.speechStart = frame.Timestamp
	}

	if d.pendingSpeech < d.cfg.MinSpeechDuration {
		return nil
	}

	// gate cleared: the buffered frames belong to the utterance
	d.st = stateSpeechActive
	d.utterance = d.pendingAudio
	d.speechDuration = d.pendingSpeech
	d.pendingAudio = nil
	d.pendingSpeech = 0
	d.silence = 0

	events := []Event{{Type: EventSpeechStarted, Timestamp: frame.Timestamp}}
	if d.outputActive() && d.cfg.AllowInterruptions {
		d.logger.Debug().Msg("Barge-in detected during active output")
		events = append(events, Event{Type: EventInterrupted, Timestamp: frame.Timestamp})
	}
	return events
}

func (d *Detector) appendSpeech(frame Frame) {
	d.utterance = append(d.utterance, frame.Audio...)
	d.speechDuration += frame.Duration
}

func (d *Detector) completeUtterance(ts time.Time) Event {
	ev := Event{
		Type:      EventUtteranceComplete,
		Timestamp: ts,
		Audio:     d.utterance,
		Duration:  d.speechDuration,
	}

	d.logger.Debug().
		Dur("speech_duration", d.speechDuration).
		Int("audio_bytes", len(d.utterance)).
		Msg("Utterance complete")

	d.reset()
	return ev
}

func (d *Detector) resetPending() {
	d.pendingSpeech = 0
	d.pendingAudio = nil
	d.speechStart = time.Time{}
}

func (d *Detector) reset() {
	d.st = stateIdle
	d.utterance = nil
	d.speechDuration = 0
	d.silence = 0
	d.resetPending()
}

// Reset returns the detector to idle, discarding any partial utterance
func (d *Detector) Reset() {
	d.reset()
}

// IsSpeaking reports whether an utterance is currently open
func (d *Detector) IsSpeaking() bool {
	return d.st != stateIdle
}
