package flow

import (
	"testing"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name     string
		equation string
		want     string
	}{
		{"gt", "{{age}} >> 18", "age > 18"},
		{"lt", "{{age}} << 65", "age < 65"},
		{"eq", "{{status}} == 'active'", "status == 'active'"},
		{"exists", "{{email}} exists", "email != nil"},
		{"not exists", "{{email}} not exists", "email == nil"},
		{"contains", "{{topics}} CONTAINS 'billing'", "containsValue(topics, 'billing')"},
		{"not contains", "{{topics}} NOT CONTAINS 'billing'", "!containsValue(topics, 'billing')"},
		{"and", "{{a}} == 1 AND {{b}} == 2", "a == 1 && b == 2"},
		{"or", "{{a}} == 1 OR {{b}} == 2", "a == 1 || b == 2"},
		{
			"combined",
			"{{age}} >> 18 AND {{city}} exists OR {{vip}} == 'yes'",
			"age > 18 && city != nil || vip == 'yes'",
		},
		{
			"keywords inside quotes untouched",
			"{{label}} == 'A AND B OR C'",
			"label == 'A AND B OR C'",
		},
		{
			"shift-like text inside quotes untouched",
			`{{note}} == "x >> y"`,
			`note == "x >> y"`,
		},
		{"unterminated quote passes through", "{{a}} == 'oops", "a == 'oops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translate(tt.equation); got != tt.want {
				t.Errorf("translate(%q) = %q, want %q", tt.equation, got, tt.want)
			}
		})
	}
}

func TestEquationEngine_Evaluate(t *testing.T) {
	engine := NewEquationEngine()

	vars := map[string]any{
		"age":    float64(21),
		"status": "active",
		"city":   "Paris",
		"topics": []any{"billing", "refund"},
		"items":  []string{"apple", "pear"},
		"label":  "A AND B",
	}

	tests := []struct {
		name     string
		equation string
		want     bool
	}{
		{"numeric gt true", "{{age}} >> 18", true},
		{"numeric gt false", "{{age}} >> 30", false},
		{"numeric lt", "{{age}} << 65", true},
		{"string eq", "{{status}} == 'active'", true},
		{"string ne", "{{status}} != 'closed'", true},
		{"exists true", "{{city}} exists", true},
		{"exists false", "{{email}} exists", false},
		{"not exists true", "{{email}} not exists", true},
		{"contains string", "{{city}} CONTAINS 'ari'", true},
		{"contains slice", "{{topics}} CONTAINS 'billing'", true},
		{"contains string slice", "{{items}} CONTAINS 'apple'", true},
		{"contains string slice miss", "{{items}} CONTAINS 'mango'", false},
		{"not contains", "{{topics}} NOT CONTAINS 'sales'", true},
		{"keyword inside literal", "{{label}} == 'A AND B'", true},
		{"and both hold", "{{age}} >> 18 AND {{status}} == 'active'", true},
		{"and one fails", "{{age}} >> 30 AND {{status}} == 'active'", false},
		{"or one holds", "{{age}} >> 30 OR {{status}} == 'active'", true},
		{"absent comparison is false", "{{ghost}} >> 10", false},
		{"absent contains is false", "{{ghost}} CONTAINS 'x'", false},
		{"garbage is false", "{{age}} >>>> banana", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.Evaluate(tt.equation, vars); got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.equation, got, tt.want)
			}
		})
	}
}

func TestEquationEngine_CacheReuse(t *testing.T) {
	engine := NewEquationEngine()
	eq := "{{n}} >> 5"

	if !engine.Evaluate(eq, map[string]any{"n": float64(10)}) {
		t.Fatal("Expected first evaluation to hold")
	}
	if engine.Evaluate(eq, map[string]any{"n": float64(1)}) {
		t.Fatal("Expected second evaluation with new vars to fail")
	}

	engine.mu.RLock()
	defer engine.mu.RUnlock()
	if len(engine.cache) != 1 {
		t.Errorf("Expected 1 cached program, got %d", len(engine.cache))
	}
}

func TestEquationEngine_NonBooleanResult(t *testing.T) {
	engine := NewEquationEngine()

	// an equation that reduces to a number, not a boolean
	if engine.Evaluate("{{age}}", map[string]any{"age": float64(5)}) {
		t.Error("Expected non-boolean result to count as false")
	}
}
