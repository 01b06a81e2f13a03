package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/philsphicas/blazeproxy/internal/metrics"
)

// Registry tracks the sessions that are relaying. It never owns their
// endpoints; it can only ask a session to stop or force it closed.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
	closing  bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry. logger and m may be nil.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[uint64]*Session),
		logger:   logger,
		metrics:  m,
	}
}

// Register adds s. It reports false once CloseAllAndWait has started;
// the caller must then close the session itself.
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.sessions[s.id] = s
	return true
}

// Deregister removes the session with the given id, if present.
func (r *Registry) Deregister(id uint64) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns summaries of the registered sessions ordered by id.
func (r *Registry) List() []Summary {
	out := make([]Summary, 0, r.Len())
	for _, s := range r.snapshot() {
		out = append(out, s.Summary())
	}
	slices.SortFunc(out, func(a, b Summary) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAllAndWait cancels every registered session and waits until all
// are Closed or ctx ends. Sessions still open when ctx ends are
// force-closed; their number is returned along with ctx's error. Sessions
// that try to register afterwards are refused.
func (r *Registry) CloseAllAndWait(ctx context.Context) (int, error) {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	sessions := r.snapshot()
	r.logger.Info("closing sessions", "count", len(sessions))
	for _, s := range sessions {
		s.Cancel()
	}

wait:
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			break wait
		}
	}

	forced := 0
	var wg sync.WaitGroup
	for _, s := range sessions {
		select {
		case <-s.Done():
			continue
		default:
		}
		r.logger.Warn("force-closing session", "session", s.id)
		forced++
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ForceClose()
		}()
	}
	wg.Wait()
	for _, s := range sessions {
		<-s.Done()
	}
	if forced == 0 {
		return 0, nil
	}
	r.metrics.ForcedCloses(forced)
	return forced, ctx.Err()
}

// ServeHTTP writes the session list as JSON.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.List()); err != nil {
		r.logger.Debug("write session list", "error", err)
	}
}
