// Package studio coordinates generation runs against the backend and owns
// the state a front-end renders: loading flag, run log, progress, results
// and history.
package studio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Gelotto/zimage-studio/internal/models"
	"github.com/Gelotto/zimage-studio/internal/stream"
)

// Backend is the subset of the API client the studio drives
type Backend interface {
	OpenStream(ctx context.Context, req models.GenerationRequest) (io.ReadCloser, error)
	GetImages(ctx context.Context, sessionID string) ([]models.GeneratedImage, error)
	GetHistory(ctx context.Context) ([]models.HistoryItem, error)
	ClearHistory(ctx context.Context) error
}

// Snapshot is an immutable copy of the studio state
type Snapshot struct {
	Seq      uint64
	RunID    string
	Request  models.GenerationRequest
	Loading  bool
	Logs     []models.LogEntry
	Progress *models.ProgressEvent
	Results  []models.GeneratedImage
	History  []models.HistoryItem
	Err      error
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Logs = append([]models.LogEntry(nil), s.Logs...)
	out.Results = append([]models.GeneratedImage(nil), s.Results...)
	out.History = append([]models.HistoryItem(nil), s.History...)
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	return out
}

type run struct {
	id     string
	req    models.GenerationRequest
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc
	done   chan struct{}
}

// Studio runs at most one generation at a time and publishes every state
// change to its subscribers.
type Studio struct {
	backend Backend
	cfg     *Config

	mu      sync.RWMutex
	state   Snapshot
	current *run

	pubMu  sync.Mutex
	subsMu sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int

	now func() time.Time
}

// New creates a studio bound to a backend. A nil config uses defaults.
func New(backend Backend, cfg *Config) *Studio {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Studio{
		backend: backend,
		cfg:     cfg,
		subs:    make(map[int]func(Snapshot)),
		now:     time.Now,
	}
}

// Config returns the configuration the studio was created with
func (s *Studio) Config() *Config {
	return s.cfg
}

// Snapshot returns a copy of the current state
func (s *Studio) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that made the change and must not block on the
// studio itself. The returned func removes the subscription.
func (s *Studio) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Loading reports whether a run is in flight
func (s *Studio) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// Generate starts a run and blocks until it ends. It returns nil once the
// images of a completed session are in the results.
func (s *Studio) Generate(ctx context.Context, req models.GenerationRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if err := req.Params.Validate(); err != nil {
		return err
	}

	r, err := s.begin(ctx, req)
	if err != nil {
		return err
	}

	err = s.execute(r)
	s.finish(r, err)
	return err
}

// Supersede abandons the in-flight run, if any, waits for it to unwind and
// then starts req.
func (s *Studio) Supersede(ctx context.Context, req models.GenerationRequest) error {
	s.mu.RLock()
	r := s.current
	s.mu.RUnlock()

	if r != nil {
		r.cancel(ErrRunCancelled)
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return s.Generate(ctx, req)
}

// Cancel abandons the in-flight run. It reports whether there was one.
func (s *Studio) Cancel() bool {
	s.mu.RLock()
	r := s.current
	s.mu.RUnlock()

	if r == nil {
		return false
	}
	log.Printf("Cancelling generation %s", r.id)
	r.cancel(ErrRunCancelled)
	return true
}

// RefreshHistory reloads the most recent history entries, newest first
func (s *Studio) RefreshHistory(ctx context.Context) error {
	items, err := s.backend.GetHistory(ctx)
	if err != nil {
		log.Printf("Failed to refresh history: %v", err)
		return fmt.Errorf("refresh history: %w", err)
	}

	recent := models.RecentHistory(items, s.cfg.History.Limit)
	s.update(nil, func(st *Snapshot) {
		st.History = recent
	})
	return nil
}

// ClearHistory deletes the backend history and empties the local list
func (s *Studio) ClearHistory(ctx context.Context) error {
	if err := s.backend.ClearHistory(ctx); err != nil {
		log.Printf("Failed to clear history: %v", err)
		return fmt.Errorf("clear history: %w", err)
	}

	s.update(nil, func(st *Snapshot) {
		st.History = nil
	})
	return nil
}

func (s *Studio) begin(parent context.Context, req models.GenerationRequest) (*run, error) {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return nil, ErrRunInFlight
	}

	ctx, cancel := context.WithCancelCause(parent)
	stop := context.CancelFunc(func() {})
	if limit := s.cfg.Generation.MaxDuration; limit > 0 {
		ctx, stop = context.WithTimeoutCause(ctx, limit, ErrRunTimeout)
	}

	r := &run{
		id:     uuid.NewString(),
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		stop:   stop,
		done:   make(chan struct{}),
	}
	s.current = r

	s.state.RunID = r.id
	s.state.Request = req
	s.state.Loading = true
	s.state.Logs = nil
	s.state.Results = nil
	s.state.Progress = nil
	s.state.Err = nil
	s.state.Seq++
	s.mu.Unlock()

	log.Printf("Starting generation %s (%dx%d, %d steps, %d images)",
		r.id, req.Width, req.Height, req.Steps, req.NumImages)
	s.publish()
	return r, nil
}

func (s *Studio) finish(r *run, err error) {
	r.stop()
	r.cancel(nil)

	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.state.Loading = false
	s.state.Err = err
	s.state.Seq++
	s.mu.Unlock()

	if err != nil {
		log.Printf("Generation %s ended: %v", r.id, err)
	} else {
		log.Printf("Generation %s completed", r.id)
	}

	close(r.done)
	s.publish()
}

func (s *Studio) execute(r *run) error {
	body, err := s.backend.OpenStream(r.ctx, r.req)
	if err != nil {
		return s.classify(r, fmt.Errorf("open stream: %w", err))
	}
	defer body.Close()

	// Closing the body unblocks a pending Read on cancel, idle or deadline.
	stopClose := context.AfterFunc(r.ctx, func() {
		body.Close()
	})
	defer stopClose()

	idle := s.startIdleTimer(r)
	defer idle.stop()

	dec := stream.NewDecoder()
	buf := make([]byte, s.cfg.Generation.ChunkSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if !idle.stop() {
				return s.classify(r, ErrStreamIdle)
			}
			for _, event := range dec.Feed(buf[:n]) {
				done, err := s.dispatch(r, event)
				if done {
					return err
				}
			}
			idle.reset()
		}

		if readErr == nil {
			continue
		}
		if r.ctx.Err() != nil {
			return s.classify(r, readErr)
		}
		if errors.Is(readErr, io.EOF) {
			if pending := dec.Pending(); len(pending) > 0 {
				log.Printf("Dropping %d bytes of unterminated frame at end of stream", len(pending))
			}
			return ErrStreamClosed
		}
		return s.classify(r, fmt.Errorf("read stream: %w", readErr))
	}
}

// dispatch applies one event. done reports that the run has ended with err.
func (s *Studio) dispatch(r *run, event models.StreamEvent) (done bool, err error) {
	switch ev := event.(type) {
	case models.LogEvent:
		entry := models.LogEntry{Time: s.now(), Message: ev.Message}
		s.update(r, func(st *Snapshot) {
			st.Logs = append(st.Logs, entry)
		})

	case models.ProgressEvent:
		s.update(r, func(st *Snapshot) {
			st.Progress = &ev
		})

	case models.CompleteEvent:
		images, err := s.backend.GetImages(r.ctx, ev.SessionID)
		if err != nil {
			return true, s.classify(r, fmt.Errorf("fetch images for session %s: %w", ev.SessionID, err))
		}
		s.update(r, func(st *Snapshot) {
			st.Results = images
		})
		// History is best effort and never fails the run.
		_ = s.RefreshHistory(r.ctx)
		return true, nil

	case models.ErrorEvent:
		return true, &ServerError{Message: ev.Message}

	default:
		log.Printf("Ignoring unexpected event %T", event)
	}
	return false, nil
}

// classify maps an error seen after the run context ended to the reason
// the context ended.
func (s *Studio) classify(r *run, err error) error {
	if r.ctx.Err() == nil {
		return err
	}

	cause := context.Cause(r.ctx)
	switch {
	case errors.Is(cause, ErrStreamIdle):
		return ErrStreamIdle
	case errors.Is(cause, ErrRunCancelled):
		return ErrRunCancelled
	case errors.Is(cause, ErrRunTimeout):
		return fmt.Errorf("%w: %w", ErrRunTimeout, context.DeadlineExceeded)
	}
	return fmt.Errorf("generation aborted: %w", cause)
}

// update mutates the state and publishes it. With a non-nil run the change
// is dropped once that run is no longer current.
func (s *Studio) update(r *run, fn func(st *Snapshot)) {
	s.mu.Lock()
	if r != nil && s.current != r {
		s.mu.Unlock()
		return
	}
	fn(&s.state)
	s.state.Seq++
	s.mu.Unlock()

	s.publish()
}

func (s *Studio) publish() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	snap := s.Snapshot()

	s.subsMu.Lock()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// idleTimer calls onIdle when it stays armed for longer than timeout.
// A zero timeout disables it.
type idleTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	gen     int
	expired bool
	onIdle  func()
}

func newIdleTimer(timeout time.Duration, onIdle func()) *idleTimer {
	t := &idleTimer{timeout: timeout, onIdle: onIdle}
	if timeout > 0 {
		t.mu.Lock()
		t.arm()
		t.mu.Unlock()
	}
	return t
}

func (s *Studio) startIdleTimer(r *run) *idleTimer {
	return newIdleTimer(s.cfg.Generation.IdleTimeout, func() {
		r.cancel(ErrStreamIdle)
	})
}

// arm must be called with mu held. Callbacks of earlier arms become no-ops.
func (t *idleTimer) arm() {
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.gen {
			return
		}
		t.expired = true
		t.onIdle()
	})
}

// stop disarms the timer. It returns false if the timer already expired.
func (t *idleTimer) stop() bool {
	if t.timeout <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.timer.Stop()
	return !t.expired
}

func (t *idleTimer) reset() {
	if t.timeout <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer.Stop()
	t.arm()
}
