package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/blazeproxy/internal/endpoint"
	"github.com/philsphicas/blazeproxy/internal/metrics"
)

var sessionSeq atomic.Uint64

// Session pairs one client endpoint with one upstream endpoint and relays
// frames between them. A session runs exactly once.
type Session struct {
	id      uint64
	created time.Time
	cfg     *Config
	logger  *slog.Logger

	client     *onceEndpoint
	clientAddr string
	upstream   *onceEndpoint
	target     string // set before leaving Connecting

	state   atomic.Int32
	started atomic.Bool
	forced  atomic.Bool
	stats   [2]directionCounters

	// ctx scopes cancellation to this session only.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type directionCounters struct {
	bytes, frames, faults atomic.Int64
}

// DirectionStats are the counters of one direction.
type DirectionStats struct {
	Bytes        int64 `json:"bytes"`
	Frames       int64 `json:"frames"`
	DecodeFaults int64 `json:"decode_faults"`
}

// Summary is a point-in-time copy of a session.
type Summary struct {
	ID               uint64         `json:"id"`
	Client           string         `json:"client"`
	Upstream         string         `json:"upstream,omitempty"`
	State            State          `json:"state"`
	Created          time.Time      `json:"created"`
	Forced           bool           `json:"forced,omitempty"`
	ClientToUpstream DirectionStats `json:"client_to_upstream"`
	UpstreamToClient DirectionStats `json:"upstream_to_client"`
}

// NewSession creates a session for an accepted client endpoint.
func NewSession(client endpoint.Endpoint, cfg Config) *Session {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         sessionSeq.Add(1),
		created:    time.Now(),
		cfg:        &cfg,
		client:     &onceEndpoint{Endpoint: client},
		clientAddr: addrString(client.RemoteAddr()),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.logger = cfg.Logger.With("session", s.id, "client", s.clientAddr)
	return s
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session is Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run connects upstream, registers the session and relays until either
// side ends. ctx bounds the connect only; once relaying, the session
// stops through Cancel, ForceClose or the endpoints themselves. Run
// returns the terminal fault, or nil for a clean end.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("proxy: session already started")
	}
	defer close(s.done)
	defer s.cancel()

	s.logger.Info("session connecting")
	up, err := s.cfg.Connector.Connect(ctx)
	if err != nil {
		var cf *ConnectFault
		if !errors.As(err, &cf) {
			cf = &ConnectFault{Target: "upstream", Reason: metrics.DialReason(err, metrics.ReasonDialFailed), Err: err}
			err = cf
		}
		s.closeEndpoints()
		s.setState(Connecting, Closed)
		s.cfg.Metrics.ConnectError(cf.Reason)
		s.logger.Warn("upstream connect failed", "target", cf.Target, "reason", cf.Reason, "error", cf.Err)
		return err
	}

	s.upstream = &onceEndpoint{Endpoint: up}
	s.target = addrString(up.RemoteAddr())
	s.logger = s.logger.With("upstream", s.target)

	if !s.cfg.Registry.Register(s) {
		s.closeEndpoints()
		s.setState(Connecting, Closed)
		s.cfg.Metrics.ConnectError(metrics.ReasonRegistryShutdown)
		s.logger.Info("session rejected, shutting down")
		return ErrShuttingDown
	}
	s.setState(Connecting, Relaying)
	s.logger.Info("session relaying")
	tracker := s.cfg.Metrics.SessionOpened(s.target)

	err = s.relay()

	s.closeEndpoints()
	s.cfg.Registry.Deregister(s.id)
	s.setState(Closing, Closed)

	c2u, u2c := s.directionStats(ClientToUpstream), s.directionStats(UpstreamToClient)
	tracker.Done(time.Since(s.created).Seconds(), c2u.Bytes, u2c.Bytes, err)
	attrs := []any{
		"duration", time.Since(s.created).Round(time.Millisecond),
		"c2u_bytes", c2u.Bytes, "c2u_frames", c2u.Frames, "c2u_decode_faults", c2u.DecodeFaults,
		"u2c_bytes", u2c.Bytes, "u2c_frames", u2c.Frames, "u2c_decode_faults", u2c.DecodeFaults,
	}
	switch {
	case err != nil:
		s.logger.Warn("session closed", append(attrs, "error", err)...)
	case s.forced.Load():
		s.logger.Warn("session closed", append(attrs, "forced", true)...)
	default:
		s.logger.Info("session closed", attrs...)
	}
	return err
}

// Cancel asks the session to stop. Pending reads are interrupted. On tcp
// and tls endpoints a write already in flight is allowed to finish; a
// WebSocket endpoint is torn down when its read is interrupted, so a write
// in flight on it fails. Endpoints that cannot interrupt a read are closed
// instead.
func (s *Session) Cancel() {
	s.cancel()
	for _, e := range []*onceEndpoint{s.client, s.upstream} {
		if e != nil && !endpoint.InterruptRead(e.Endpoint) {
			_ = e.Close()
		}
	}
}

// ForceClose closes both endpoints immediately, failing any in-flight
// read or write. It does not wait on either peer.
func (s *Session) ForceClose() {
	s.forced.Store(true)
	s.cancel()
	var errs []error
	for _, e := range []*onceEndpoint{s.client, s.upstream} {
		if e != nil {
			errs = append(errs, e.closeNow())
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Debug("endpoint close", "error", err)
	}
}

// Summary returns a copy of the session's current state and counters.
func (s *Session) Summary() Summary {
	state := s.State()
	sum := Summary{
		ID:               s.id,
		Client:           s.clientAddr,
		State:            state,
		Created:          s.created,
		Forced:           s.forced.Load(),
		ClientToUpstream: s.directionStats(ClientToUpstream),
		UpstreamToClient: s.directionStats(UpstreamToClient),
	}
	// target is written while Connecting and published by the state store.
	if state != Connecting {
		sum.Upstream = s.target
	}
	return sum
}

func (s *Session) directionStats(d Direction) DirectionStats {
	c := &s.stats[d]
	return DirectionStats{Bytes: c.bytes.Load(), Frames: c.frames.Load(), DecodeFaults: c.faults.Load()}
}

func (s *Session) setState(from, to State) {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		s.logger.Error("invalid session state transition", "from", from, "to", to, "state", s.State())
		return
	}
	s.logger.Debug("session state", "from", from, "to", to)
}

func (s *Session) closeEndpoints() {
	var errs []error
	for _, e := range []*onceEndpoint{s.client, s.upstream} {
		if e != nil {
			errs = append(errs, e.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Debug("endpoint close", "error", err)
	}
}

// onceEndpoint closes the underlying endpoint at most once.
type onceEndpoint struct {
	endpoint.Endpoint
	once sync.Once
	err  error
}

func (e *onceEndpoint) Close() error {
	e.once.Do(func() { e.err = e.Endpoint.Close() })
	return e.err
}

func (e *onceEndpoint) closeNow() error {
	e.once.Do(func() { e.err = endpoint.CloseNow(e.Endpoint) })
	return e.err
}

func addrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
