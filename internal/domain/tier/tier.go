// Package tier classifies scores into rank labels.
//
// The classifier is the single source of truth for tier derivation: the
// batch processor and the rank calculator must share one instance so the
// authoritative and cached labels never drift.
package tier

import (
	"sort"
)

// Default thresholds: score>=200 gold, score>=51 silver, else bronze.
const (
	defaultGoldMin   = 200
	defaultSilverMin = 51
	defaultFallback  = "bronze"
)

// threshold is one tier boundary.
type threshold struct {
	min  int
	name string
}

// Classifier maps an integer score to a tier label. It is a pure function
// of its configuration; safe for concurrent use.
type Classifier struct {
	// thresholds sorted by min descending.
	thresholds []threshold
	fallback   string
}

// Option applies a configuration option to the Classifier.
type Option func(*Classifier)

// WithThresholds replaces the tier thresholds. Keys are tier names, values
// their minimum score.
func WithThresholds(t map[string]int) Option {
	return func(c *Classifier) {
		if len(t) == 0 {
			return
		}
		c.thresholds = c.thresholds[:0]
		for name, min := range t {
			c.thresholds = append(c.thresholds, threshold{min: min, name: name})
		}
	}
}

// WithFallback sets the label for scores below every threshold.
func WithFallback(name string) Option {
	return func(c *Classifier) {
		if name != "" {
			c.fallback = name
		}
	}
}

// New creates a Classifier with the given options.
func New(opts ...Option) Classifier {
	c := Classifier{
		thresholds: []threshold{
			{min: defaultGoldMin, name: "gold"},
			{min: defaultSilverMin, name: "silver"},
		},
		fallback: defaultFallback,
	}
	for _, opt := range opts {
		opt(&c)
	}
	sort.Slice(c.thresholds, func(i, j int) bool {
		if c.thresholds[i].min != c.thresholds[j].min {
			return c.thresholds[i].min > c.thresholds[j].min
		}
		return c.thresholds[i].name < c.thresholds[j].name
	})
	return c
}

// Classify returns the tier label for score.
func (c Classifier) Classify(score int) string {
	for _, t := range c.thresholds {
		if score >= t.min {
			return t.name
		}
	}
	return c.fallback
}
