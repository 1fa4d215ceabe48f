package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Session is an opaque network egress identity issued by an external
// provider. Rotation and credential policy live with the provider.
type Session struct {
	ID       string
	ProxyURL string
}

// SessionProvider issues proxy sessions for download attempts.
type SessionProvider interface {
	GetSession(ctx context.Context, id string) (Session, error)
}

// ProgressFunc receives download progress as bytes received out of an
// expected total (total may be zero when unknown). Implementations must be
// cheap; it is called from the download hot path.
type ProgressFunc func(receivedBytes, totalBytes int64)

// Downloader fetches a remote media item to a local path. Implementations
// must honor ctx cancellation promptly and may leave a partial artifact
// behind; the orchestrator cleans those up.
type Downloader interface {
	Download(ctx context.Context, url string, session Session, destPath string, progress ProgressFunc) (string, error)
}

// Outcome is the downstream processing result for one item, treated as a
// black box apart from a short summary for checkpointing.
type Outcome struct {
	Summary        string
	TranscriptPath string
	Duration       time.Duration
}

// Processor runs the downstream stage (transcription, diarization and
// whatever follows) on a downloaded artifact.
type Processor interface {
	Process(ctx context.Context, localPath string) (Outcome, error)
}

// ErrNoSessions is returned by StaticSessionProvider when it has no
// sessions to hand out.
var ErrNoSessions = errors.New("no proxy sessions configured")

// StaticSessionProvider hands out sessions from a fixed proxy list in
// round-robin order. An empty list yields direct (proxyless) sessions.
type StaticSessionProvider struct {
	mu      sync.Mutex
	proxies []string
	next    int
}

// NewStaticSessionProvider builds a provider over the given proxy URLs.
// Blank entries and duplicates are dropped.
func NewStaticSessionProvider(proxies []string) *StaticSessionProvider {
	seen := make(map[string]bool, len(proxies))
	kept := make([]string, 0, len(proxies))
	for _, p := range proxies {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		kept = append(kept, p)
	}
	return &StaticSessionProvider{proxies: kept}
}

// GetSession returns the next session in rotation.
func (p *StaticSessionProvider) GetSession(_ context.Context, id string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return Session{ID: id}, nil
	}
	proxy := p.proxies[p.next%len(p.proxies)]
	p.next++
	return Session{ID: id, ProxyURL: proxy}, nil
}
