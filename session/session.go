package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Session is one live call.
type Session struct {
	meta       Metadata
	sink       Sink
	pipeline   Pipeline
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
	threshold  time.Duration
	maxHistory int
	onEnd      func(*Session)

	// turnCtx outlives End so in-flight turns finish; sendCtx does not.
	turnCtx    context.Context
	sendCtx    context.Context
	cancelSend context.CancelFunc
	inflight   sync.WaitGroup

	mu           sync.Mutex
	state        State
	starting     bool
	buffer       []int16
	rate         int
	processing   bool
	history      []pipeline.Message
	costs        pipeline.Costs
	startedAt    time.Time
	lastActivity time.Time
	endedAt      time.Time
	endReason    EndReason
	endErr       error
}

func newSession(ctx context.Context, r *Registry, meta Metadata, sink Sink) *Session {
	base := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithCancel(base)
	now := r.now()

	return &Session{
		meta:         meta,
		sink:         sink,
		pipeline:     r.pipeline,
		now:          r.now,
		logger:       r.logger.With("call_id", meta.CallID),
		metrics:      r.metrics,
		threshold:    r.bufferDuration,
		maxHistory:   r.maxHistory,
		onEnd:        r.sessionEnded,
		turnCtx:      base,
		sendCtx:      sendCtx,
		cancelSend:   cancel,
		state:        StateCreated,
		startedAt:    now,
		lastActivity: now,
	}
}

// CallID returns the call id.
func (s *Session) CallID() string {
	return s.meta.CallID
}

// Metadata returns the call's metadata.
func (s *Session) Metadata() Metadata {
	return s.meta
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation so far.
func (s *Session) History() []pipeline.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// BufferedBytes returns the size of the pending audio as PCM16.
func (s *Session) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer) * 2
}

// Costs returns the usage accumulated so far, without telephony time.
func (s *Session) Costs() pipeline.Costs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.costs
}

// EndReason returns why the session ended, or "" while it is live.
func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.sendCtx.Done()
}

// Wait blocks until the greeting and any in-flight turn have finished.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// Start speaks the opening utterance and moves the session to Streaming.
// A greeting that cannot be synthesized is logged and skipped.
func (s *Session) Start() {
	s.mu.Lock()
	if s.state != StateCreated || s.starting {
		s.mu.Unlock()
		return
	}
	s.starting = true
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	p := s.meta.Persona
	audio, costs, err := s.pipeline.Speak(s.turnCtx, s.meta.CallID, pipeline.SynthesisRequest{
		Text:     p.Greeting,
		VoiceID:  p.VoiceID,
		Language: p.Language,
	})

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.costs = s.costs.Add(costs)
	if err != nil {
		s.logger.Warn("greeting failed", "error", err)
		if errors.Is(err, pipeline.ErrFatal) {
			s.mu.Unlock()
			s.end(EndPipelineError, err)
			return
		}
	} else if audio.Len() > 0 {
		s.appendHistoryLocked(pipeline.Message{Role: pipeline.RoleAssistant, Content: p.Greeting, At: s.now()})
	}
	s.mu.Unlock()

	if err == nil && audio.Len() > 0 {
		s.send(audio)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return
	}
	s.state = StateStreaming
	s.logger.Debug("session streaming", "greeting_ms", audio.Duration().Milliseconds())
	s.maybeDispatchLocked()
}

// Feed appends caller audio. Once the buffer holds the threshold, a turn
// is dispatched unless one is already running; audio that arrives during a
// turn stays buffered for the next one.
func (s *Session) Feed(chunk codec.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return ErrSessionEnded
	}
	s.lastActivity = s.now()
	if chunk.Len() == 0 || chunk.SampleRate <= 0 {
		return nil
	}

	if s.rate == 0 {
		s.rate = chunk.SampleRate
	}
	if chunk.SampleRate != s.rate {
		chunk = chunk.Resample(s.rate)
	}
	s.buffer = append(s.buffer, chunk.Samples...)

	s.maybeDispatchLocked()
	return nil
}

// Touch records activity without audio, such as a silence frame.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) bufferedLocked() time.Duration {
	if s.rate <= 0 {
		return 0
	}
	return time.Duration(len(s.buffer)) * time.Second / time.Duration(s.rate)
}

func (s *Session) maybeDispatchLocked() {
	if s.state != StateStreaming || s.processing || s.bufferedLocked() < s.threshold {
		return
	}

	req := pipeline.TurnRequest{
		CallID:   s.meta.CallID,
		System:   s.meta.Persona.SystemPrompt,
		History:  slices.Clone(s.history),
		Audio:    codec.AudioChunk{Samples: s.buffer, SampleRate: s.rate},
		VoiceID:  s.meta.Persona.VoiceID,
		Language: s.meta.Persona.Language,
	}
	s.buffer = nil
	s.processing = true
	s.state = StateProcessing
	s.inflight.Add(1)

	go s.runTurn(req)
}

func (s *Session) runTurn(req pipeline.TurnRequest) {
	defer s.inflight.Done()

	res, err := s.pipeline.Turn(s.turnCtx, req)

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		if err == nil {
			s.metrics.TurnCompleted("dropped")
			s.logger.Info("dropping turn output, session already ended")
		}
		return
	}

	// Failed turns still carry the cost of the stages that ran.
	if res != nil {
		s.costs = s.costs.Add(res.Costs)
	}
	var reply codec.AudioChunk
	switch {
	case err == nil:
		s.appendHistoryLocked(res.User, res.Assistant)
		reply = res.Audio
	case errors.Is(err, pipeline.ErrFatal):
		s.mu.Unlock()
		s.logger.Error("unrecoverable pipeline error, ending call", "error", err)
		s.end(EndPipelineError, err)
		return
	}
	s.mu.Unlock()

	if reply.Len() > 0 {
		s.send(reply)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	if s.state == StateProcessing {
		s.state = StateStreaming
		s.maybeDispatchLocked()
	}
}

func (s *Session) send(chunk codec.AudioChunk) {
	if err := s.sink.Send(s.sendCtx, chunk); err != nil && s.sendCtx.Err() == nil {
		s.logger.Warn("failed to send audio", "error", err)
	}
}

func (s *Session) appendHistoryLocked(msgs ...pipeline.Message) {
	s.history = append(s.history, msgs...)
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		s.history = slices.Clone(s.history[len(s.history)-s.maxHistory:])
	}
}

// End moves the session to Ended and discards buffered audio. Only the
// first call has any effect; it reports whether this call ended the session.
func (s *Session) End(reason EndReason) bool {
	return s.end(reason, nil)
}

func (s *Session) end(reason EndReason, cause error) bool {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return false
	}
	s.state = StateEnded
	s.endReason = reason
	s.endErr = cause
	s.endedAt = s.now()
	s.buffer = nil
	s.mu.Unlock()

	s.cancelSend()
	if s.onEnd != nil {
		s.onEnd(s)
	}
	return true
}

// summary is the end-of-call snapshot used for bookkeeping.
type summary struct {
	reason   EndReason
	cause    error
	history  []pipeline.Message
	costs    pipeline.Costs
	started  time.Time
	ended    time.Time
	duration time.Duration
}

func (s *Session) summary() summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := max(s.endedAt.Sub(s.startedAt), 0)
	costs := s.costs
	costs.TelephonySeconds = d.Seconds()
	return summary{
		reason:   s.endReason,
		cause:    s.endErr,
		history:  slices.Clone(s.history),
		costs:    costs,
		started:  s.startedAt,
		ended:    s.endedAt,
		duration: d,
	}
}
