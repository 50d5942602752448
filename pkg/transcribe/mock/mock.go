// Package mock provides a scripted transcribe.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/talkshape/duplex/pkg/transcribe"
)

var _ transcribe.Provider = (*Provider)(nil)

// Provider returns scripted transcripts in order, then empty strings.
type Provider struct {
	mu sync.Mutex

	// Transcripts are returned one per call.
	Transcripts []string

	// Err, when set, is returned by every call.
	Err error

	// Delay blocks each call until the context expires or the delay channel
	// is closed, for timeout tests. Nil means no blocking.
	Delay chan struct{}

	Calls     int
	Languages []string
	closed    bool
}

// Transcribe implements transcribe.Provider.
func (p *Provider) Transcribe(ctx context.Context, _ []float32, language string) (string, error) {
	p.mu.Lock()
	delay := p.Delay
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	p.Languages = append(p.Languages, language)
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Transcripts) == 0 {
		return "", nil
	}
	text := p.Transcripts[0]
	p.Transcripts = p.Transcripts[1:]
	return text, nil
}

// Close implements transcribe.Provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Provider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
