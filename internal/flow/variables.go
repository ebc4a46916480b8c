package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/flow-engine/internal/observability"
)

// Variable sources, recorded as provenance on every write
const (
	SourceExtraction = "extraction"
	SourceFunction   = "function"
	SourceInitial    = "initial"
	SourceSystem     = "system"
)

// Value is one stored variable with provenance
type Value struct {
	Data       any
	Source     string
	Confidence float64
	SetAtTurn  int
}

var interpolationPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Store holds one session's variables. A store belongs to exactly one
// session and is only touched from that session's turn loop, so it
// carries no lock.
type Store struct {
	values map[string]Value
	logger zerolog.Logger
}

// NewStore creates an empty variable store
func NewStore(sessionID string) *Store {
	return &Store{
		values: make(map[string]Value),
		logger: observability.GetLogger().With().
			Str("component", "variables").
			Str("session_id", sessionID).
			Logger(),
	}
}

// Set writes a variable unless an existing value has strictly higher
// confidence. Returns whether the write happened. Re-extraction by a
// node goes through Reextract instead.
func (s *Store) Set(name string, data any, source string, confidence float64, turn int) bool {
	if existing, ok := s.values[name]; ok && existing.Confidence > confidence {
		s.logger.Debug().
			Str("variable", name).
			Float64("existing_confidence", existing.Confidence).
			Float64("new_confidence", confidence).
			Msg("Skipping lower-confidence write")
		return false
	}
	s.values[name] = Value{Data: data, Source: source, Confidence: confidence, SetAtTurn: turn}
	return true
}

// Reextract writes a variable unconditionally. Used when a node
// explicitly re-extracts a name it owns.
func (s *Store) Reextract(name string, data any, source string, confidence float64, turn int) {
	s.values[name] = Value{Data: data, Source: source, Confidence: confidence, SetAtTurn: turn}
}

// Get returns the variable and whether it is set. An unset variable is
// never an error.
func (s *Store) Get(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Exists reports whether the variable is set
func (s *Store) Exists(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Snapshot returns the raw values as a plain map, used as the
// evaluation environment for equation conditions and as LLM context.
func (s *Store) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for name, v := range s.values {
		out[name] = v.Data
	}
	return out
}

// Len returns the number of set variables
func (s *Store) Len() int {
	return len(s.values)
}

// Interpolate substitutes every {{name}} occurrence in the template.
// Unresolved references become empty string and are logged; it never
// fails.
func (s *Store) Interpolate(template string) string {
	return interpolationPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := interpolationPattern.FindStringSubmatch(match)[1]
		v, ok := s.values[name]
		if !ok {
			s.logger.Warn().
				Str("variable", name).
				Msg("Unresolved variable in template, substituting empty string")
			return ""
		}
		return Stringify(v.Data)
	})
}

// CompareTo evaluates `variable op literal` with best-effort type
// coercion: numeric, then date, then boolean, else string.
// An unset variable satisfies no comparison.
func (s *Store) CompareTo(name, operator, literal string) bool {
	v, ok := s.values[name]
	if !ok {
		return false
	}
	left := Stringify(v.Data)

	switch operator {
	case "contains":
		return strings.Contains(strings.ToLower(left), strings.ToLower(literal))
	case "not_contains":
		return !strings.Contains(strings.ToLower(left), strings.ToLower(literal))
	}

	if lf, lok := parseNumber(left); lok {
		if rf, rok := parseNumber(literal); rok {
			return compareFloats(lf, rf, operator)
		}
	}

	if lt, lok := parseDate(left); lok {
		if rt, rok := parseDate(literal); rok {
			return compareFloats(float64(lt.Unix()), float64(rt.Unix()), operator)
		}
	}

	if lb, lok := parseBool(left); lok {
		if rb, rok := parseBool(literal); rok {
			switch operator {
			case "==":
				return lb == rb
			case "!=":
				return lb != rb
			}
			return false
		}
	}

	return compareStrings(left, literal, operator)
}

func compareFloats(a, b float64, operator string) bool {
	switch operator {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}

func compareStrings(a, b, operator string) bool {
	switch operator {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseBool(s string) (bool, bool) {
	b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(s)))
	return b, err == nil
}

// Stringify renders a stored value for interpolation and comparison
func Stringify(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
