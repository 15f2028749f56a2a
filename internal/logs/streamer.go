// Package logs tails the daemon's per-workload output files for observers.
package logs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/botpanel/internal/models"
)

const (
	// DefaultReplayLines is how many existing lines a new subscription sees.
	DefaultReplayLines = 500
	// MaxTailLines caps one-shot tail requests.
	MaxTailLines = 5000
	// DefaultPollInterval drives the fallback reader when fsnotify events
	// are missing or unavailable.
	DefaultPollInterval = time.Second
	// DefaultBufferSize is the capacity of each subscription channel.
	DefaultBufferSize = 256
)

// ErrInvalidStream is returned for streams other than out and err.
var ErrInvalidStream = errors.New("invalid log stream")

// Resolver looks up a workload by name. *registry.Registry satisfies it.
type Resolver interface {
	Get(name string) (*models.Workload, error)
}

// Config holds streamer tuning.
type Config struct {
	ReplayLines  int
	PollInterval time.Duration
	BufferSize   int
}

// Streamer hands out independent tail subscriptions.
type Streamer struct {
	resolver Resolver
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*Subscription
}

// NewStreamer creates a streamer resolving log paths through resolver.
func NewStreamer(resolver Resolver, cfg Config, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReplayLines <= 0 {
		cfg.ReplayLines = DefaultReplayLines
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Streamer{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		active:   make(map[string]*Subscription),
	}
}

// Subscription is one observer's tail of one workload stream.
type Subscription struct {
	ID        string
	Workload  string
	Stream    models.LogStream
	CreatedAt time.Time

	lines  chan models.LogLine
	cancel context.CancelFunc
	done   chan struct{}
}

// Lines delivers replayed and appended lines. It is closed when the tail ends.
func (s *Subscription) Lines() <-chan models.LogLine {
	return s.lines
}

// Done is closed once the tail has stopped and released its file.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops the tail and waits for the file handle to be released.
// It is safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
	for range s.lines {
	}
	<-s.done
}

// Subscribe starts tailing the given stream of a workload. The tail runs
// until Close is called, ctx is cancelled or the workload disappears.
func (s *Streamer) Subscribe(ctx context.Context, name string, stream models.LogStream) (*Subscription, error) {
	stream, err := normalizeStream(stream)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Get(name); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:        uuid.New().String(),
		Workload:  name,
		Stream:    stream,
		CreatedAt: s.now(),
		lines:     make(chan models.LogLine, s.cfg.BufferSize),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.active[sub.ID] = sub
	s.mu.Unlock()
	s.logger.Debug("log subscription added", "subscription_id", sub.ID, "workload", name, "stream", stream)

	t := &tailer{
		streamer: s,
		sub:      sub,
	}
	go func() {
		defer close(sub.done)
		defer close(sub.lines)
		defer s.untrack(sub)
		t.run(ctx)
	}()

	return sub, nil
}

// Active returns the number of running subscriptions.
func (s *Streamer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Tail returns the last n lines of a workload stream. Problems reading the
// file come back as a single diagnostic line.
func (s *Streamer) Tail(name string, stream models.LogStream, n int) ([]models.LogLine, error) {
	stream, err := normalizeStream(stream)
	if err != nil {
		return nil, err
	}
	w, err := s.resolver.Get(name)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = s.cfg.ReplayLines
	}
	if n > MaxTailLines {
		n = MaxTailLines
	}

	path := logPath(w, stream)
	if path == "" {
		return []models.LogLine{s.diagnostic(name, stream, "no log file recorded for this workload yet")}, nil
	}
	texts, _, err := readLastLinesFile(path, n)
	if err != nil {
		return []models.LogLine{s.diagnostic(name, stream, fmt.Sprintf("cannot read %s log: %v", stream, err))}, nil
	}

	out := NewContainer(n)
	for _, text := range texts {
		out.Add(s.line(name, stream, text))
	}
	return out.GetAll(), nil
}

func (s *Streamer) untrack(sub *Subscription) {
	s.mu.Lock()
	delete(s.active, sub.ID)
	s.mu.Unlock()
	s.logger.Debug("log subscription removed", "subscription_id", sub.ID, "workload", sub.Workload)
}

func (s *Streamer) line(name string, stream models.LogStream, text string) models.LogLine {
	return models.LogLine{
		Workload:  name,
		Stream:    stream,
		Message:   text,
		Timestamp: s.now(),
	}
}

func (s *Streamer) diagnostic(name string, stream models.LogStream, msg string) models.LogLine {
	l := s.line(name, stream, msg)
	l.Diagnostic = true
	return l
}

func normalizeStream(stream models.LogStream) (models.LogStream, error) {
	switch stream {
	case "", models.LogStreamOut:
		return models.LogStreamOut, nil
	case models.LogStreamErr:
		return models.LogStreamErr, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStream, stream)
	}
}

func logPath(w *models.Workload, stream models.LogStream) string {
	if stream == models.LogStreamErr {
		return w.ErrLogPath
	}
	return w.OutLogPath
}
