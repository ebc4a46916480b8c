package flow

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/lexiqai/flow-engine/internal/observability"
)

// EquationEngine evaluates authored equation conditions against a
// variable snapshot. Authored syntax uses {{name}} references and the
// operators >>, <<, ==, !=, >=, <=, CONTAINS, NOT CONTAINS, exists,
// not exists, combined with AND/OR. Each equation is rewritten to an
// expression once, compiled, and cached; the cache is shared across
// sessions.
type EquationEngine struct {
	mu     sync.RWMutex
	cache  map[string]*vm.Program
	logger zerolog.Logger
}

// NewEquationEngine creates an engine with an empty program cache
func NewEquationEngine() *EquationEngine {
	return &EquationEngine{
		cache:  make(map[string]*vm.Program),
		logger: observability.GetLogger().With().Str("component", "equation").Logger(),
	}
}

var (
	notExistsPattern   = regexp.MustCompile(`(?i)\{\{\s*(\w+)\s*\}\}\s+not\s+exists`)
	existsPattern      = regexp.MustCompile(`(?i)\{\{\s*(\w+)\s*\}\}\s+exists`)
	notContainsPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}\s+NOT\s+CONTAINS\s+('[^']*'|"[^"]*"|\S+)`)
	containsPattern    = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}\s+CONTAINS\s+('[^']*'|"[^"]*"|\S+)`)
	variablePattern    = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
	andPattern         = regexp.MustCompile(`\bAND\b`)
	orPattern          = regexp.MustCompile(`\bOR\b`)
)

// translate rewrites an authored equation into expression source.
// Order matters: exists/contains forms consume the {{name}} references
// and quoted literals around them before the generic rewrites run, and
// the bare-keyword rewrites never touch quoted literals. CONTAINS maps
// to the containsValue helper because "contains" itself is a reserved
// operator in the expression language.
func translate(equation string) string {
	src := equation
	src = notExistsPattern.ReplaceAllString(src, "$1 == nil")
	src = existsPattern.ReplaceAllString(src, "$1 != nil")
	src = notContainsPattern.ReplaceAllString(src, "!containsValue($1, $2)")
	src = containsPattern.ReplaceAllString(src, "containsValue($1, $2)")
	return rewriteOutsideQuotes(src, func(part string) string {
		part = variablePattern.ReplaceAllString(part, "$1")
		part = strings.ReplaceAll(part, ">>", ">")
		part = strings.ReplaceAll(part, "<<", "<")
		part = andPattern.ReplaceAllString(part, "&&")
		part = orPattern.ReplaceAllString(part, "||")
		return part
	})
}

// rewriteOutsideQuotes applies f to the segments of src that lie
// outside single- or double-quoted literals, passing the literals
// through untouched. An unterminated quote leaves the rest of the
// source unrewritten for the compiler to reject.
func rewriteOutsideQuotes(src string, f func(string) string) string {
	var b strings.Builder
	start := 0
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c != '\'' && c != '"' {
			continue
		}
		end := strings.IndexByte(src[i+1:], c)
		if end < 0 {
			b.WriteString(f(src[start:i]))
			b.WriteString(src[i:])
			return b.String()
		}
		b.WriteString(f(src[start:i]))
		b.WriteString(src[i : i+2+end])
		i += 1 + end
		start = i + 1
	}
	b.WriteString(f(src[start:]))
	return b.String()
}

// Evaluate runs the equation against the variable snapshot. Any
// translation, compilation, or runtime failure (including comparisons
// against absent variables) counts as "condition not satisfied" and is
// logged, never raised.
func (e *EquationEngine) Evaluate(equation string, vars map[string]any) bool {
	program, err := e.compile(equation)
	if err != nil {
		e.logger.Warn().Err(err).Str("equation", equation).Msg("Equation failed to compile")
		return false
	}

	env := make(map[string]any, len(vars)+1)
	for name, v := range vars {
		env[name] = v
	}
	env["containsValue"] = containsValue

	out, err := expr.Run(program, env)
	if err != nil {
		e.logger.Debug().Err(err).Str("equation", equation).Msg("Equation evaluation failed, treating as false")
		return false
	}

	result, ok := out.(bool)
	if !ok {
		e.logger.Warn().Str("equation", equation).Msgf("Equation produced non-boolean %T, treating as false", out)
		return false
	}
	return result
}

func (e *EquationEngine) compile(equation string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[equation]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	src := translate(equation)
	program, err := expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}

	e.mu.Lock()
	e.cache[equation] = program
	e.mu.Unlock()
	return program, nil
}

// containsValue implements the CONTAINS operator: substring match for
// strings, membership for slices. Absent variables contain nothing.
func containsValue(haystack, needle any) bool {
	if haystack == nil {
		return false
	}
	switch h := haystack.(type) {
	case string:
		return strings.Contains(strings.ToLower(h), strings.ToLower(Stringify(needle)))
	case []any:
		want := Stringify(needle)
		for _, item := range h {
			if strings.EqualFold(Stringify(item), want) {
				return true
			}
		}
		return false
	case []string:
		want := Stringify(needle)
		for _, item := range h {
			if strings.EqualFold(item, want) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(strings.ToLower(Stringify(haystack)), strings.ToLower(Stringify(needle)))
	}
}
