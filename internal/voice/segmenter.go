package voice

import (
	"time"

	"github.com/ent0n29/rehearsal/internal/audio"
	"github.com/ent0n29/rehearsal/internal/protocol"
)

type SegmentKind string

const (
	SegmentContinuing SegmentKind = "speech_continuing"
	SegmentFinalized  SegmentKind = "utterance_finalized"
	SegmentDiscarded  SegmentKind = "noise_discarded"
	SegmentError      SegmentKind = "error"
)

// SegmentEvent is the single result of processing one frame.
type SegmentEvent struct {
	Kind SegmentKind
	// Open reports whether an utterance is in progress after this frame.
	Open bool
	// Started is set on the frame that opened the utterance.
	Started bool
	Speech  bool
	Stats   audio.FrameStats
	// Utterance is set on SegmentFinalized. The receiver owns it and must Release it.
	Utterance      *audio.UtteranceBuffer
	SpeechDuration time.Duration
	Duration       time.Duration
	// Forced marks a finalize caused by the maximum utterance length.
	Forced bool
	Err    error
}

type SegmenterConfig struct {
	SampleRate       int
	ThresholdDBFS    float64
	SilenceThreshold time.Duration
	MinUtterance     time.Duration
	MaxUtterance     time.Duration
	PreRoll          time.Duration
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.ThresholdDBFS == 0 {
		c.ThresholdDBFS = -45
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 1600 * time.Millisecond
	}
	if c.MinUtterance <= 0 {
		c.MinUtterance = 400 * time.Millisecond
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 30 * time.Second
	}
	if c.PreRoll <= 0 {
		c.PreRoll = 200 * time.Millisecond
	}
	return c
}

// Segmenter turns a frame stream into utterances using an energy threshold.
// Time is measured in audio duration, not wall clock, so results depend only
// on the frames. It keeps no state across utterances.
type Segmenter struct {
	cfg     SegmenterConfig
	preroll *audio.FrameQueue

	buf             *audio.UtteranceBuffer
	speech          time.Duration
	trailingSilence time.Duration
	total           time.Duration
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	cfg = cfg.withDefaults()
	return &Segmenter{
		cfg:     cfg,
		preroll: audio.NewFrameQueue(audio.BytesFor(cfg.PreRoll, cfg.SampleRate)),
	}
}

func (s *Segmenter) Open() bool { return s.buf != nil }

// Process classifies one frame and returns exactly one event.
func (s *Segmenter) Process(frame []byte) SegmentEvent {
	if err := protocol.ValidateFrame(frame); err != nil {
		return SegmentEvent{Kind: SegmentError, Open: s.Open(), Err: err}
	}
	stats := audio.Analyze(frame, s.cfg.SampleRate)
	speech := stats.RMSDBFS >= s.cfg.ThresholdDBFS

	if s.buf == nil {
		if !speech {
			s.preroll.Push(frame, nil)
			return SegmentEvent{Kind: SegmentContinuing, Stats: stats}
		}
		s.open()
		s.append(frame)
		s.speech = stats.Duration
		s.total += stats.Duration
		return SegmentEvent{Kind: SegmentContinuing, Open: true, Started: true, Speech: true, Stats: stats}
	}

	full := s.append(frame)
	s.total += stats.Duration
	if speech {
		s.speech += stats.Duration
		s.trailingSilence = 0
	} else {
		s.trailingSilence += stats.Duration
	}

	switch {
	case s.trailingSilence >= s.cfg.SilenceThreshold:
		return s.finish(stats, speech, false)
	case full || s.total >= s.cfg.MaxUtterance:
		return s.finish(stats, speech, true)
	default:
		return SegmentEvent{Kind: SegmentContinuing, Open: true, Speech: speech, Stats: stats}
	}
}

// Reset drops any open utterance and releases its audio.
func (s *Segmenter) Reset() {
	if s.buf != nil {
		s.buf.Release()
	}
	s.buf = nil
	s.preroll.Reset()
	s.speech, s.trailingSilence, s.total = 0, 0, 0
}

func (s *Segmenter) open() {
	capacity := audio.BytesFor(s.cfg.MaxUtterance+s.cfg.PreRoll, s.cfg.SampleRate)
	s.buf = audio.NewUtteranceBuffer(capacity)
	for _, f := range s.preroll.Drain() {
		s.buf.Append(f)
		s.total += audio.FrameDuration(len(f), s.cfg.SampleRate)
		clear(f)
	}
}

func (s *Segmenter) append(frame []byte) bool {
	_, full, err := s.buf.Append(frame)
	return full || err != nil
}

func (s *Segmenter) finish(stats audio.FrameStats, speech, forced bool) SegmentEvent {
	ev := SegmentEvent{
		Speech:         speech,
		Stats:          stats,
		SpeechDuration: s.speech,
		Duration:       s.total,
		Forced:         forced,
	}
	if s.speech < s.cfg.MinUtterance {
		ev.Kind = SegmentDiscarded
		s.Reset()
		return ev
	}
	ev.Kind = SegmentFinalized
	ev.Utterance = s.buf
	s.buf = nil
	s.Reset()
	return ev
}
