package crawler

import (
	"context"
	"time"
)

// SessionFactory opens browser automation sessions for pool slots.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// Session is one automation session (e.g. a browser process).
type Session interface {
	// NewContext opens an isolated browsing context inside the session.
	NewContext(ctx context.Context) (BrowsingContext, error)
	Close() error
}

// BrowsingContext is an isolated tab owned by a single slot.
type BrowsingContext interface {
	// Probe evaluates a trivial expression to prove the context is alive.
	Probe(ctx context.Context) error
	// Load navigates to url and returns the status code and rendered body.
	Load(ctx context.Context, url string) (PageResult, error)
	Close() error
}

// Analyzer pulls candidate emails and contact links out of a loaded page.
type Analyzer interface {
	ExtractCandidates(page PageResult) []string
	ContactLinks(page PageResult) []string
}

// NetworkController changes the outbound network identity.
type NetworkController interface {
	Rotate(ctx context.Context) bool
	CurrentStatus(ctx context.Context) bool
	// Real is false when rotation only updates bookkeeping.
	Real() bool
}

// Publisher pushes harvested-contact events to Pub/Sub, Kafka (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for checkpoint keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
