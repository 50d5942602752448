// Package resume turns a hard-interrupted AI response into a resumption
// directive: how much was spoken, what remains, and a summary of the spoken
// prefix the language-generation collaborator can use to pick the thread back
// up. Offset and percentage computation is purely local and deterministic;
// only summary generation may call out, and it degrades to a local excerpt.
package resume

import (
	"context"
	"strings"
	"unicode"

	"github.com/talkshape/duplex/internal/resilience"
)

// Directive describes how to resume interrupted content.
type Directive struct {
	// Summary of the prefix already spoken. Either a model-written summary or
	// the local excerpt fallback.
	Summary string

	// RemainingContent is the unspoken suffix, starting at the first word
	// after the interruption point.
	RemainingContent string

	// CompletionPct is the share of the content already spoken, 0-100.
	CompletionPct float64
}

// Capture computes a directive for content interrupted at a rune offset,
// using the local excerpt as the summary. It is a pure function of its
// arguments: identical content and offset always produce identical
// directives, which is what makes interrupted sessions replayable.
//
// Offsets inside a word are pushed forward to the end of that word so the
// remaining content never starts mid-word. Out-of-range offsets clamp.
func Capture(content string, offset int) Directive {
	runes := []rune(content)
	if offset < 0 {
		offset = 0
	}
	if offset > len(runes) {
		offset = len(runes)
	}

	// Finish the word in progress.
	for offset < len(runes) && !unicode.IsSpace(runes[offset]) && offset > 0 &&
		!unicode.IsSpace(runes[offset-1]) {
		offset++
	}

	spoken := string(runes[:offset])
	remaining := strings.TrimLeftFunc(string(runes[offset:]), unicode.IsSpace)

	var pct float64
	if len(runes) > 0 {
		pct = float64(offset) / float64(len(runes)) * 100
	}

	return Directive{
		Summary:          excerpt(spoken),
		RemainingContent: remaining,
		CompletionPct:    pct,
	}
}

// excerptLimit bounds the local summary length in runes.
const excerptLimit = 200

// excerpt returns the tail of the spoken prefix, bounded to excerptLimit
// runes. The tail matters more than the head for resumption context.
func excerpt(spoken string) string {
	spoken = strings.TrimSpace(spoken)
	runes := []rune(spoken)
	if len(runes) <= excerptLimit {
		return spoken
	}
	return "…" + string(runes[len(runes)-excerptLimit:])
}

// Summarizer produces a short summary of already-spoken content.
type Summarizer interface {
	Summarize(ctx context.Context, spoken string) (string, error)
}

// Resumer captures directives, upgrading the excerpt summary through a chain
// of summarizers when one is configured. Summarizer failure is never fatal;
// the excerpt stands in.
type Resumer struct {
	summarizers *resilience.FallbackGroup[Summarizer]
}

// Option configures a Resumer.
type Option func(*Resumer)

// WithSummarizers installs the summarizer chain. The primary is tried first;
// fallbacks in order behind their circuit breakers.
func WithSummarizers(group *resilience.FallbackGroup[Summarizer]) Option {
	return func(r *Resumer) { r.summarizers = group }
}

// New creates a Resumer. Without options it produces excerpt summaries only.
func New(opts ...Option) *Resumer {
	r := &Resumer{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resume captures a directive for the interrupted content. The offset and
// remaining content are always the deterministic local computation; only the
// summary field may come from a summarizer.
func (r *Resumer) Resume(ctx context.Context, content string, offset int) Directive {
	d := Capture(content, offset)
	if r.summarizers == nil || d.CompletionPct == 0 {
		return d
	}

	spoken := strings.TrimSpace(string([]rune(content)[:runeOffset(content, d)]))
	summary, err := resilience.ExecuteWithResult(r.summarizers,
		func(s Summarizer) (string, error) {
			return s.Summarize(ctx, spoken)
		})
	if err == nil && strings.TrimSpace(summary) != "" {
		d.Summary = strings.TrimSpace(summary)
	}
	return d
}

// runeOffset recovers the adjusted rune offset from a captured directive.
func runeOffset(content string, d Directive) int {
	total := len([]rune(content))
	return total - len([]rune(d.RemainingContent))
}
