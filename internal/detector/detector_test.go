package detector

import (
	"testing"
	"time"
)

const frameDur = 20 * time.Millisecond

// feed pushes n frames of the given label and collects every event
func feed(d *Detector, start time.Time, label FrameLabel, n int) ([]Event, time.Time) {
	var events []Event
	ts := start
	for i := 0; i < n; i++ {
		events = append(events, d.Process(Frame{
			Label:     label,
			Timestamp: ts,
			Duration:  frameDur,
			Audio:     []byte{0x01, 0x02},
		})...)
		ts = ts.Add(frameDur)
	}
	return events, ts
}

func testConfig() Config {
	return Config{
		SilenceThreshold:   600 * time.Millisecond,
		MinSpeechDuration:  200 * time.Millisecond,
		AllowInterruptions: true,
	}
}

func TestDetector_ShortBlipDiscarded(t *testing.T) {
	d := New(testConfig(), nil)
	start := time.Now()

	// 100ms of speech is below the 200ms gate
	events, ts := feed(d, start, LabelSpeech, 5)
	if len(events) != 0 {
		t.Fatalf("Expected no events below the noise gate, got %d", len(events))
	}

	events, _ = feed(d, ts, LabelSilence, 40)
	if len(events) != 0 {
		t.Errorf("Expected blip to be discarded without events, got %d", len(events))
	}

	if d.IsSpeaking() {
		t.Error("Expected detector to be idle after discarded blip")
	}
}

func TestDetector_SpeechStartedAfterGate(t *testing.T) {
	d := New(testConfig(), nil)
	start := time.Now()

	// 10 frames = 200ms, exactly the gate
	events, _ := feed(d, start, LabelSpeech, 10)
	if len(events) != 1 {
		t.Fatalf("Expected 1 event once the gate clears, got %d", len(events))
	}
	if events[0].Type != EventSpeechStarted {
		t.Errorf("Expected speech_started, got %s", events[0].Type)
	}

	if !d.IsSpeaking() {
		t.Error("Expected detector to report an open utterance")
	}
}

func TestDetector_UtteranceCompleteAfterSilence(t *testing.T) {
	d := New(testConfig(), nil)
	start := time.Now()

	_, ts := feed(d, start, LabelSpeech, 15) // 300ms of speech

	// 580ms of silence is still below the threshold
	events, ts := feed(d, ts, LabelSilence, 29)
	if len(events) != 0 {
		t.Fatalf("Expected no completion before the threshold, got %d events", len(events))
	}

	// one more frame crosses 600ms
	events, _ = feed(d, ts, LabelSilence, 1)
	if len(events) != 1 {
		t.Fatalf("Expected 1 event at the threshold, got %d", len(events))
	}
	if events[0].Type != EventUtteranceComplete {
		t.Fatalf("Expected utterance_complete, got %s", events[0].Type)
	}

	if events[0].Duration != 300*time.Millisecond {
		t.Errorf("Expected 300ms speech duration, got %v", events[0].Duration)
	}
	if len(events[0].Audio) != 30 { // 15 frames * 2 bytes
		t.Errorf("Expected 30 bytes of utterance audio, got %d", len(events[0].Audio))
	}

	if d.IsSpeaking() {
		t.Error("Expected detector to be idle after completion")
	}
}

func TestDetector_PauseDoesNotSplitUtterance(t *testing.T) {
	d := New(testConfig(), nil)
	start := time.Now()

	// speak 300ms, pause 400ms (below threshold), resume 300ms, stop 700ms
	_, ts := feed(d, start, LabelSpeech, 15)
	events, ts := feed(d, ts, LabelSilence, 20)
	if len(events) != 0 {
		t.Fatalf("Expected pause below threshold to emit nothing, got %d events", len(events))
	}

	events, ts = feed(d, ts, LabelSpeech, 15)
	if len(events) != 0 {
		t.Fatalf("Expected resumed speech to emit nothing, got %d events", len(events))
	}

	events, _ = feed(d, ts, LabelSilence, 35)

	var completions []Event
	for _, ev := range events {
		if ev.Type == EventUtteranceComplete {
			completions = append(completions, ev)
		}
	}
	if len(completions) != 1 {
		t.Fatalf("Expected exactly one utterance_complete, got %d", len(completions))
	}

	// both speech segments belong to the same utterance
	if completions[0].Duration != 600*time.Millisecond {
		t.Errorf("Expected 600ms combined speech duration, got %v", completions[0].Duration)
	}
}

func TestDetector_BargeIn(t *testing.T) {
	outputActive := true
	d := New(testConfig(), func() bool { return outputActive })
	start := time.Now()

	events, _ := feed(d, start, LabelSpeech, 10)
	if len(events) != 2 {
		t.Fatalf("Expected speech_started and interrupted, got %d events", len(events))
	}
	if events[0].Type != EventSpeechStarted {
		t.Errorf("Expected speech_started first, got %s", events[0].Type)
	}
	if events[1].Type != EventInterrupted {
		t.Errorf("Expected interrupted second, got %s", events[1].Type)
	}
}

func TestDetector_BargeInSuppressedWhenDisallowed(t *testing.T) {
	cfg := testConfig()
	cfg.AllowInterruptions = false
	d := New(cfg, func() bool { return true })

	events, _ := feed(d, time.Now(), LabelSpeech, 10)
	if len(events) != 1 {
		t.Fatalf("Expected only speech_started, got %d events", len(events))
	}
	if events[0].Type != EventSpeechStarted {
		t.Errorf("Expected speech_started, got %s", events[0].Type)
	}
}

func TestDetector_NoInterruptWhenOutputIdle(t *testing.T) {
	d := New(testConfig(), func() bool { return false })

	events, _ := feed(d, time.Now(), LabelSpeech, 10)
	for _, ev := range events {
		if ev.Type == EventInterrupted {
			t.Error("Expected no interrupted event while output is idle")
		}
	}
}

func TestDetector_EventOrdering(t *testing.T) {
	d := New(testConfig(), nil)
	start := time.Now()

	// two full utterances back to back
	var all []Event
	events, ts := feed(d, start, LabelSpeech, 15)
	all = append(all, events...)
	events, ts = feed(d, ts, LabelSilence, 35)
	all = append(all, events...)
	events, ts = feed(d, ts, LabelSpeech, 15)
	all = append(all, events...)
	events, _ = feed(d, ts, LabelSilence, 35)
	all = append(all, events...)

	want := []EventType{
		EventSpeechStarted, EventUtteranceComplete,
		EventSpeechStarted, EventUtteranceComplete,
	}
	if len(all) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(all))
	}
	for i, ev := range all {
		if ev.Type != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], ev.Type)
		}
	}

	// timestamps never regress
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Errorf("Event %d timestamp regressed", i)
		}
	}
}

func TestDetector_Reset(t *testing.T) {
	d := New(testConfig(), nil)

	feed(d, time.Now(), LabelSpeech, 15)
	if !d.IsSpeaking() {
		t.Fatal("Expected an open utterance before reset")
	}

	d.Reset()
	if d.IsSpeaking() {
		t.Error("Expected detector to be idle after reset")
	}

	// a fresh utterance still works after reset
	events, _ := feed(d, time.Now(), LabelSpeech, 10)
	if len(events) != 1 || events[0].Type != EventSpeechStarted {
		t.Error("Expected a clean speech_started after reset")
	}
}
