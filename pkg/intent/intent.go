// Package intent classifies confirmed speech segments that occur during AI
// playback: is the user acknowledging (backchannel), gently interjecting
// (soft), taking the floor (hard), or is the evidence ambiguous (unclear)?
//
// Classification combines duration and confidence heuristics with
// language-specific phrase tables matched phonetically, plus an escalation
// rule: repeated backchannels in a short window are treated as a wish to
// speak, not to acknowledge.
package intent

import (
	"sync"
	"time"

	"github.com/talkshape/duplex/pkg/segment"
)

// Classification is the outcome of classifying one segment.
type Classification int

const (
	// TurnStart: no AI audio was playing, so the segment is an ordinary turn,
	// not a barge-in.
	TurnStart Classification = iota

	// Backchannel: a short acknowledgment; playback continues.
	Backchannel

	// Soft: a soft interjection; playback fades but does not cancel.
	Soft

	// Hard: a full interruption; playback and generation are cancelled.
	Hard

	// Unclear: borderline evidence; downstream treats it conservatively as
	// Soft.
	Unclear
)

// String returns the wire name of the classification.
func (c Classification) String() string {
	switch c {
	case TurnStart:
		return "turn_start"
	case Backchannel:
		return "backchannel"
	case Soft:
		return "soft"
	case Hard:
		return "hard"
	case Unclear:
		return "unclear"
	default:
		return "invalid"
	}
}

// PlaybackSnapshot is an immutable capture of the AI playback position, taken
// atomically at classification time. Events reference a snapshot rather than
// live playback state so continued playback cannot race the recorded
// position.
type PlaybackSnapshot struct {
	// Playing reports whether AI audio was audible at capture time.
	Playing bool

	// Content is the full text being spoken.
	Content string

	// CharOffset is the rune offset reached at capture time.
	CharOffset int

	// CompletionPct is CharOffset as a percentage of the content length.
	CompletionPct float64
}

// Event is a classified barge-in. It is the unit archived into the session
// history ring and consumed by the barge-in state machine.
type Event struct {
	Classification Classification

	// Confidence blends segment confidence with phrase-match strength.
	Confidence float64

	// Timestamp is the stream time of the segment's end.
	Timestamp time.Duration

	// Duration of the underlying speech segment.
	Duration time.Duration

	// Transcript is the partial transcript used for matching, if any.
	Transcript string

	// Language the classification ran under.
	Language string

	// Resumable reports whether the interrupted content can be resumed
	// (hard interrupts of unfinished content are resumable).
	Resumable bool

	// Escalated is set when the backchannel escalation rule overrode the
	// phrase-level classification.
	Escalated bool

	// Snapshot is the playback position captured at classification time.
	Snapshot PlaybackSnapshot
}

// Config holds the classifier's heuristics. Durations and counts mirror the
// engine configuration; they are tuning parameters, not invariants.
type Config struct {
	// Language selects the active phrase table. Default "en".
	Language string

	// BackchannelMaxDuration is the duration cap under which a phrase-matched
	// segment counts as a backchannel. Default 800 ms.
	BackchannelMaxDuration time.Duration

	// HardMinDuration is the duration at or above which a segment qualifies
	// as a hard interrupt regardless of content. Default 1200 ms.
	HardMinDuration time.Duration

	// HardConfidence is the segment confidence at or above which a
	// non-matching segment is classified hard even under HardMinDuration.
	// Default 0.92.
	HardConfidence float64

	// FuzzyThreshold is the Jaro-Winkler floor for phrase matches.
	// Default 0.85.
	FuzzyThreshold float64

	// EscalationCount backchannels within EscalationWindow escalate to soft.
	// Defaults 3 and 5 s.
	EscalationCount  int
	EscalationWindow time.Duration
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.BackchannelMaxDuration == 0 {
		c.BackchannelMaxDuration = 800 * time.Millisecond
	}
	if c.HardMinDuration == 0 {
		c.HardMinDuration = 1200 * time.Millisecond
	}
	if c.HardConfidence == 0 {
		c.HardConfidence = 0.92
	}
	if c.FuzzyThreshold == 0 {
		c.FuzzyThreshold = 0.85
	}
	if c.EscalationCount == 0 {
		c.EscalationCount = 3
	}
	if c.EscalationWindow == 0 {
		c.EscalationWindow = 5 * time.Second
	}
	return c
}

// Classifier classifies segments for one voice session. Safe for concurrent
// use, though the control task is its only caller in practice.
type Classifier struct {
	mu      sync.Mutex
	cfg     Config
	tables  map[string]PhraseTable
	matcher phraseMatcher
	history *classificationWindow
}

// New creates a Classifier with the built-in phrase tables.
func New(cfg Config) *Classifier {
	cfg = cfg.withDefaults()
	tables := make(map[string]PhraseTable, len(builtinTables))
	for lang, t := range builtinTables {
		tables[lang] = t
	}
	return &Classifier{
		cfg:     cfg,
		tables:  tables,
		matcher: phraseMatcher{fuzzyThreshold: cfg.FuzzyThreshold},
		history: newClassificationWindow(32, cfg.EscalationWindow),
	}
}

// RegisterTable adds or replaces the phrase table for a language.
func (c *Classifier) RegisterTable(lang string, table PhraseTable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[lang] = table
}

// SetLanguage switches the active phrase table. Unknown languages fall back
// to duration/confidence heuristics only.
func (c *Classifier) SetLanguage(lang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Language = lang
}

// Language returns the active language.
func (c *Classifier) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Language
}

// Reset clears the escalation history. Called on session teardown and when
// playback of a new response begins.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.reset()
}

// Classify classifies a finalized segment against the playback snapshot.
// transcript may be empty when no transcription is available; classification
// then falls back to duration and confidence alone.
//
// Decision order: no playback → turn start; short acknowledgment →
// backchannel (subject to escalation); soft-interject phrase without sentence
// structure → soft; long or very confident → hard; otherwise unclear.
func (c *Classifier) Classify(seg *segment.Segment, transcript string, snap PlaybackSnapshot) Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	endTS := seg.Onset + seg.Duration
	ev := Event{
		Confidence: seg.PeakConfidence,
		Timestamp:  endTS,
		Duration:   seg.Duration,
		Transcript: transcript,
		Language:   c.cfg.Language,
		Snapshot:   snap,
	}

	if !snap.Playing {
		ev.Classification = TurnStart
		return ev
	}

	table, haveTable := c.tables[c.cfg.Language]

	// (b) Backchannel: under the duration cap and, when a transcript exists,
	// matching the acknowledgment lexicon.
	if seg.Duration <= c.cfg.BackchannelMaxDuration {
		// Without a transcript a short segment defaults to backchannel,
		// unless it is confident enough to stand as a hard interruption on
		// its own.
		matchScore, matched := 0.0, transcript == "" && seg.PeakConfidence < c.cfg.HardConfidence
		if transcript != "" && haveTable {
			matchScore, matched = c.matcher.match(transcript, table.Backchannels)
		}
		if matched {
			c.history.add(Backchannel, endTS)
			if c.history.countSince(Backchannel, endTS) >= c.cfg.EscalationCount {
				// Repeated short utterances signal a wish to speak.
				c.history.reset()
				ev.Classification = Soft
				ev.Escalated = true
				return ev
			}
			ev.Classification = Backchannel
			if matchScore > 0 {
				ev.Confidence = (seg.PeakConfidence + matchScore) / 2
			}
			return ev
		}
	}

	// (c) Soft interjection: lexicon hit without full-sentence structure.
	if transcript != "" && haveTable && !looksLikeFullSentence(transcript) {
		if matchScore, matched := c.matcher.match(transcript, table.SoftInterjects); matched {
			ev.Classification = Soft
			ev.Confidence = (seg.PeakConfidence + matchScore) / 2
			return ev
		}
	}

	// (d) Hard interruption: long enough, or confident enough.
	if seg.Duration >= c.cfg.HardMinDuration || seg.PeakConfidence >= c.cfg.HardConfidence {
		ev.Classification = Hard
		ev.Resumable = snap.CompletionPct < 100
		return ev
	}

	// Ambiguous: both duration and confidence are borderline. Downstream
	// treats unclear as soft.
	ev.Classification = Unclear
	return ev
}
