package tier

import "testing"

func TestClassifyDefaults(t *testing.T) {
	c := New()

	cases := []struct {
		score int
		want  string
	}{
		{0, "bronze"},
		{50, "bronze"},
		{51, "silver"},
		{199, "silver"},
		{200, "gold"},
		{1000, "gold"},
		{-5, "bronze"},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.score); got != tc.want {
			t.Errorf("Classify(%d) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestClassifyCustomThresholds(t *testing.T) {
	c := New(
		WithThresholds(map[string]int{"platinum": 500, "gold": 100}),
		WithFallback("member"),
	)

	if got := c.Classify(499); got != "gold" {
		t.Errorf("Classify(499) = %q, want gold", got)
	}
	if got := c.Classify(500); got != "platinum" {
		t.Errorf("Classify(500) = %q, want platinum", got)
	}
	if got := c.Classify(10); got != "member" {
		t.Errorf("Classify(10) = %q, want member", got)
	}
}

func TestClassifyIsStable(t *testing.T) {
	// Same configuration must classify identically across instances; the
	// processor and the rank calculator rely on this.
	a := New(WithThresholds(map[string]int{"gold": 200, "silver": 51}))
	b := New(WithThresholds(map[string]int{"silver": 51, "gold": 200}))
	for score := -10; score <= 300; score += 7 {
		if a.Classify(score) != b.Classify(score) {
			t.Fatalf("instances diverge at score %d", score)
		}
	}
}
