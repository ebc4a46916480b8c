package flow

import (
	"testing"
)

func TestStore_SetConfidenceGuard(t *testing.T) {
	s := NewStore("test")

	if !s.Set("city", "Paris", SourceExtraction, 0.9, 1) {
		t.Fatal("Expected initial write to succeed")
	}

	// lower confidence is skipped
	if s.Set("city", "London", SourceExtraction, 0.4, 2) {
		t.Error("Expected lower-confidence write to be skipped")
	}
	v, _ := s.Get("city")
	if v.Data != "Paris" {
		t.Errorf("Expected value to stay 'Paris', got %v", v.Data)
	}

	// equal or higher confidence wins
	if !s.Set("city", "Berlin", SourceExtraction, 0.9, 3) {
		t.Error("Expected equal-confidence write to succeed")
	}
	v, _ = s.Get("city")
	if v.Data != "Berlin" || v.SetAtTurn != 3 {
		t.Errorf("Expected Berlin at turn 3, got %v at turn %d", v.Data, v.SetAtTurn)
	}
}

func TestStore_Reextract(t *testing.T) {
	s := NewStore("test")
	s.Set("date", "tomorrow", SourceExtraction, 0.95, 1)

	// explicit re-extraction bypasses the confidence guard
	s.Reextract("date", "friday", SourceExtraction, 0.5, 2)

	v, ok := s.Get("date")
	if !ok || v.Data != "friday" {
		t.Errorf("Expected re-extracted 'friday', got %v", v.Data)
	}
	if v.Confidence != 0.5 {
		t.Errorf("Expected confidence 0.5, got %f", v.Confidence)
	}
}

func TestStore_AbsentIsNotAnError(t *testing.T) {
	s := NewStore("test")

	v, ok := s.Get("never_set")
	if ok {
		t.Error("Expected absent variable to report not-ok")
	}
	if v.Data != nil {
		t.Errorf("Expected zero value for absent variable, got %v", v.Data)
	}
	if s.Exists("never_set") {
		t.Error("Expected Exists to be false for absent variable")
	}
}

func TestStore_Interpolate(t *testing.T) {
	s := NewStore("test")
	s.Set("name", "Ada", SourceExtraction, 1.0, 1)
	s.Set("count", float64(3), SourceFunction, 1.0, 1)

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain", "no variables here", "no variables here"},
		{"single", "Hello {{name}}!", "Hello Ada!"},
		{"spaces", "Hello {{ name }}!", "Hello Ada!"},
		{"numeric", "You have {{count}} items", "You have 3 items"},
		{"unresolved becomes empty", "Hi {{ghost}}, bye", "Hi , bye"},
		{"repeated", "{{name}} and {{name}}", "Ada and Ada"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Interpolate(tt.template)
			if got != tt.want {
				t.Errorf("Interpolate(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestStore_CompareTo(t *testing.T) {
	s := NewStore("test")
	s.Set("age", "21", SourceExtraction, 1.0, 1)
	s.Set("pi", float64(3.14), SourceFunction, 1.0, 1)
	s.Set("when", "2026-09-01", SourceExtraction, 1.0, 1)
	s.Set("agreed", "true", SourceExtraction, 1.0, 1)
	s.Set("city", "Paris", SourceExtraction, 1.0, 1)

	tests := []struct {
		name     string
		variable string
		operator string
		literal  string
		want     bool
	}{
		{"numeric gt", "age", ">", "18", true},
		{"numeric gt false", "age", ">", "30", false},
		{"numeric eq from float", "pi", "==", "3.14", true},
		{"numeric le", "age", "<=", "21", true},
		{"date after", "when", ">", "2026-01-01", true},
		{"date before false", "when", "<", "2026-01-01", false},
		{"bool eq", "agreed", "==", "true", true},
		{"bool ne", "agreed", "!=", "false", true},
		{"string eq", "city", "==", "Paris", true},
		{"string contains", "city", "contains", "ari", true},
		{"string contains case-insensitive", "city", "contains", "PARIS", true},
		{"string not contains", "city", "not_contains", "Rome", true},
		{"absent never matches", "ghost", "==", "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.CompareTo(tt.variable, tt.operator, tt.literal)
			if got != tt.want {
				t.Errorf("CompareTo(%s %s %s) = %v, want %v", tt.variable, tt.operator, tt.literal, got, tt.want)
			}
		})
	}
}

func TestStore_Snapshot(t *testing.T) {
	s := NewStore("test")
	s.Set("a", "1", SourceExtraction, 1.0, 1)
	s.Set("b", float64(2), SourceFunction, 1.0, 1)

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(snap))
	}
	if snap["a"] != "1" || snap["b"] != float64(2) {
		t.Errorf("Unexpected snapshot contents: %v", snap)
	}

	// the snapshot is a copy
	snap["a"] = "mutated"
	v, _ := s.Get("a")
	if v.Data != "1" {
		t.Error("Expected store to be unaffected by snapshot mutation")
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "x", "x"},
		{"float whole", float64(42), "42"},
		{"float fraction", float64(2.5), "2.5"},
		{"bool", true, "true"},
		{"int", 7, "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stringify(tt.in); got != tt.want {
				t.Errorf("Stringify(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
