// Package bucket computes deterministic batch keys from timestamps.
//
// A batch key identifies one fixed-width time window. Keys are always
// derived on the UTC clock so that clients in different zones land in the
// same window.
package bucket

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedKey reports a batch key that does not name a window start.
var ErrMalformedKey = errors.New("malformed batch key")

// keyLayout renders a window start at minute precision, e.g. 202601011205.
const keyLayout = "200601021504"

// defaultWidth is the batch window width when none is configured.
const defaultWidth = 5 * time.Minute

// Bucketer maps timestamps onto batch keys of a fixed window width.
type Bucketer struct {
	width time.Duration
}

// Option applies a configuration option to the Bucketer.
type Option func(*Bucketer)

// WithWidth sets the batch window width. Widths below a minute are
// ignored: keys carry minute precision, so narrower windows would all
// render the same key.
func WithWidth(width time.Duration) Option {
	return func(b *Bucketer) {
		if width >= time.Minute {
			b.width = width
		}
	}
}

// New creates a Bucketer with the given options.
func New(opts ...Option) Bucketer {
	b := Bucketer{width: defaultWidth}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Width returns the configured window width.
func (b Bucketer) Width() time.Duration {
	return b.width
}

// Key returns the batch key for the window containing t.
func (b Bucketer) Key(t time.Time) string {
	return t.UTC().Truncate(b.width).Format(keyLayout)
}

// Lookback returns the batch keys for the current window and the n windows
// preceding it, newest first. It always contains at least the current key.
func (b Bucketer) Lookback(now time.Time, n int) []string {
	keys := make([]string, 0, n+1)
	start := now.UTC().Truncate(b.width)
	for i := 0; i <= n; i++ {
		keys = append(keys, start.Add(-time.Duration(i)*b.width).Format(keyLayout))
	}
	return keys
}

// Parse recovers the window start time from a batch key.
func (b Bucketer) Parse(key string) (time.Time, error) {
	t, err := time.Parse(keyLayout, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return t, nil
}
