package condition

import "testing"

func TestEvaluate(t *testing.T) {
	data := map[string]any{
		"amount":   1500,
		"category": "network",
		"urgent":   true,
		"labels":   []string{},
		"owner":    map[string]any{"dept": "ops"},
	}
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"amount > `1000`", true},
		{"amount > `2000`", false},
		{"category == 'network'", true},
		{"category != 'network'", false},
		{"urgent", true},
		{"labels", false},
		{"missing", false},
		{"owner.dept == 'ops' && amount >= `1500`", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, data)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestCompile_invalid(t *testing.T) {
	if _, err := Compile("amount >"); err == nil {
		t.Fatal("Compile() with a dangling operator should return error")
	}
}

func TestCompile_cached(t *testing.T) {
	a, err := Compile("status == 'pending'")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	b, _ := Compile("status == 'pending'")
	if a != b {
		t.Error("Compile() returned a new expression for the same source")
	}
}

func TestEvaluate_nil_data(t *testing.T) {
	got, err := Evaluate("amount", nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got {
		t.Error("Evaluate() on nil data = true, want false")
	}
}

func TestTruthy(t *testing.T) {
	cases := map[string]struct {
		v    any
		want bool
	}{
		"zero is truthy":   {0.0, true},
		"empty map falsey": {map[string]any{}, false},
		"false":            {false, false},
		"string":           {"x", true},
	}
	for name, c := range cases {
		if got := Truthy(c.v); got != c.want {
			t.Errorf("%s: Truthy(%v) = %v, want %v", name, c.v, got, c.want)
		}
	}
}
