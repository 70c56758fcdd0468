package loop

import (
	"time"

	"github.com/teslashibe/go-safeflow/pkg/source"
)

// Default delays between the end of one cycle and the start of the next.
const (
	DefaultLiveDelay = 5000 * time.Millisecond
	DefaultFileDelay = 2000 * time.Millisecond
)

// Policy holds the per-source delay between cycles.
type Policy struct {
	Live time.Duration
	File time.Duration
}

// DefaultPolicy returns the 5s live / 2s file policy.
func DefaultPolicy() Policy {
	return Policy{Live: DefaultLiveDelay, File: DefaultFileDelay}
}

// DelayFor returns the delay for a source kind. Unknown kinds use the live delay.
func (p Policy) DelayFor(kind source.Kind) time.Duration {
	if kind == source.KindFile {
		return p.File
	}
	return p.Live
}

// DelayFor returns the default delay for a source kind.
func DelayFor(kind source.Kind) time.Duration {
	return DefaultPolicy().DelayFor(kind)
}
