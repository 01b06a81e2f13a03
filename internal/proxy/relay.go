package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/philsphicas/blazeproxy/internal/endpoint"
	"github.com/philsphicas/blazeproxy/internal/frame"
	"github.com/philsphicas/blazeproxy/internal/protocol"
)

// errCanceled marks a direction stopped by session cancellation rather
// than by its own stream.
var errCanceled = errors.New("proxy: session canceled")

// relay runs both directions until each has returned. The first
// direction to end tears down the other unless the session was already
// cancelled, in which case reads are already interrupted and in-flight
// writes are left to finish.
func (s *Session) relay() error {
	results := make(chan error, 2)
	go func() {
		results <- s.pump(ClientToUpstream, s.client, s.upstream)
	}()
	go func() {
		results <- s.pump(UpstreamToClient, s.upstream, s.client)
	}()

	first := <-results
	s.setState(Relaying, Closing)
	if s.ctx.Err() == nil {
		s.cancel()
		s.closeEndpoints()
	}
	second := <-results

	for _, err := range []error{first, second} {
		if err != nil && !errors.Is(err, errCanceled) {
			return err
		}
	}
	return nil
}

// pump forwards frames from src to dst, one at a time and in order. It
// returns nil at a clean end of src, errCanceled once the session is
// cancelled, and a *TransportFault otherwise.
func (s *Session) pump(dir Direction, src, dst endpoint.Endpoint) error {
	r := frame.NewReader(src, s.cfg.Format, s.cfg.FrameLimit)
	counters := &s.stats[dir]
	for {
		if s.ctx.Err() != nil {
			return errCanceled
		}
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			s.logger.Debug("stream ended", "direction", dir, "offset", r.Offset())
			return nil
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return errCanceled
			}
			return &TransportFault{Direction: dir, Op: "read", Offset: r.Offset(), Err: err}
		}
		offset := r.Offset() - int64(len(f))

		p := s.inspect(dir, f, offset)
		out := f
		if s.cfg.Transform != nil {
			out, err = s.cfg.Transform.Transform(dir, f, p)
			if err != nil {
				return &TransportFault{Direction: dir, Op: "transform", Offset: offset, Err: err}
			}
		}

		if _, err := dst.Write(out); err != nil {
			if s.ctx.Err() != nil {
				return errCanceled
			}
			return &TransportFault{Direction: dir, Op: "write", Offset: offset, Err: err}
		}
		counters.bytes.Add(int64(len(out)))
		counters.frames.Add(1)
		s.cfg.Metrics.FrameForwarded(dir.String())
	}
}

// inspect decodes a frame for logging. A decode failure is recorded and
// logged; the frame is forwarded regardless.
func (s *Session) inspect(dir Direction, f frame.Frame, offset int64) *protocol.Packet {
	p, err := protocol.Decode(f)
	if err != nil {
		s.stats[dir].faults.Add(1)
		s.cfg.Metrics.DecodeFault(dir.String())
		s.logger.Warn("decode fault", "direction", dir, "offset", offset, "length", len(f), "error", err)
		return nil
	}
	switch {
	case s.cfg.LogPackets:
		s.logger.Info("packet", "direction", dir, "offset", offset, "length", len(f), "packet", p.String())
	case s.logger.Enabled(context.Background(), slog.LevelDebug):
		s.logger.Debug("packet", "direction", dir, "offset", offset, "length", len(f), "header", p.Header.String())
	}
	return p
}
