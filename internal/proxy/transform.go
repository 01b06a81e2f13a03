package proxy

import (
	"bytes"

	"github.com/philsphicas/blazeproxy/internal/frame"
	"github.com/philsphicas/blazeproxy/internal/protocol"
)

// Transform may rewrite a frame before it is forwarded. p is the decoded
// packet, or nil when the frame did not decode. Returning f unchanged
// forwards the original bytes. An error ends the session.
type Transform interface {
	Transform(dir Direction, f frame.Frame, p *protocol.Packet) (frame.Frame, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(dir Direction, f frame.Frame, p *protocol.Packet) (frame.Frame, error)

func (fn TransformFunc) Transform(dir Direction, f frame.Frame, p *protocol.Packet) (frame.Frame, error) {
	return fn(dir, f, p)
}

// Chain applies transforms in order.
func Chain(ts ...Transform) Transform {
	return TransformFunc(func(dir Direction, f frame.Frame, p *protocol.Packet) (frame.Frame, error) {
		for _, t := range ts {
			out, err := t.Transform(dir, f, p)
			if err != nil {
				return nil, err
			}
			if !bytes.Equal(out, f) {
				// Later transforms see the rewritten packet.
				np, err := protocol.Decode(out)
				if err != nil {
					np = nil
				}
				p = np
			}
			f = out
		}
		return f, nil
	})
}
