// Package control implements the host side of the control channel
// (spec.md §4.3): a session-per-exec model where every exec, write-file,
// mkdir or shutdown call opens its own stream, exchanges exactly one
// request/response pair (with zero or more ExecOutputChunk frames
// interleaved for Exec), and closes.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/the-void-ia/voidbox/internal/gueststream"
	"github.com/the-void-ia/voidbox/internal/protocol"
	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

// perReadTimeout bounds a single ReadFrame call, independent of the
// overall per-exec wall-clock timeout (spec.md §4.3).
const perReadTimeout = 30 * time.Second

// Dialer opens a fresh stream to the guest-agent. Backends supply one
// backed by gueststream.DialVsockHost (Linux) or DialHvsockHost (darwin).
type Dialer func(ctx context.Context) (gueststream.Stream, error)

// ChunkSink receives ExecOutputChunk frames as they arrive. It must not
// block; the channel's design note requires back-pressure to be handled
// by bounded queues, never by stalling the stream reader.
type ChunkSink func(protocol.ExecOutputChunk)

// Channel is the host-side control channel for one running backend.
type Channel struct {
	dial   Dialer
	secret string

	telemetry chan protocol.TelemetryBatch
}

// New constructs a Channel. secret is the 32-byte session secret (as the
// 64-hex-character string baked into the kernel cmdline) that every
// guest-agent Hello must match.
func New(dial Dialer, secret string) *Channel {
	return &Channel{
		dial:      dial,
		secret:    secret,
		telemetry: make(chan protocol.TelemetryBatch, 64),
	}
}

// Telemetry returns the channel TelemetryBatch frames are pushed to
// whenever a session happens to receive one interleaved with its
// request/response exchange (see SPEC_FULL.md §11). Callers that are not
// interested may simply never read it; sends are non-blocking and drop
// the oldest pending batch rather than stall the reader.
func (c *Channel) Telemetry() <-chan protocol.TelemetryBatch {
	return c.telemetry
}

// openAuthenticated dials a fresh stream and consumes the guest-agent's
// Hello handshake, verifying the session secret.
func (c *Channel) openAuthenticated(ctx context.Context) (gueststream.Stream, error) {
	s, err := c.dial(ctx)
	if err != nil {
		return nil, voidboxerr.Wrap(voidboxerr.Network, "control.open", err)
	}

	s.SetReadTimeout(perReadTimeout)
	f, err := protocol.ReadFrame(s)
	if err != nil {
		s.Close()
		return nil, voidboxerr.Wrap(voidboxerr.GuestProtocol, "control.open: hello", err)
	}
	if f.Type != protocol.TypeHello {
		s.Close()
		return nil, voidboxerr.New(voidboxerr.GuestProtocol, fmt.Sprintf("control.open: expected Hello, got %s", f.Type))
	}
	var hello protocol.Hello
	if err := protocol.Decode(f, &hello); err != nil {
		s.Close()
		return nil, err
	}
	if hello.SessionSecret != c.secret {
		s.Close()
		return nil, voidboxerr.New(voidboxerr.GuestProtocol, "control.open: session secret mismatch")
	}

	return s, nil
}

// Exec issues one exec and blocks until a terminal ExecResponse, a
// timeout, or a stream error. Per spec.md §3, the returned response's
// Stdout/Stderr are authoritative even if chunkSink observed a subset
// (e.g. if chunkSink was nil).
func (c *Channel) Exec(ctx context.Context, req protocol.ExecRequest, chunkSink ChunkSink) (*protocol.ExecResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s, err := c.openAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	// Best-effort cancellation: closing the stream is sufficient per
	// spec.md §4.3 and §5; the guest-agent observes EPIPE.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	if err := protocol.WriteFrame(s, protocol.TypeExecRequest, req); err != nil {
		return nil, err
	}

	var wantSeq uint64
	for {
		s.SetReadTimeout(perReadTimeout)
		f, err := protocol.ReadFrame(s)
		if err != nil {
			if ctx.Err() != nil {
				return nil, voidboxerr.Wrap(voidboxerr.Timeout, "control.Exec", ctx.Err())
			}
			return nil, voidboxerr.Wrap(voidboxerr.GuestProtocol, "control.Exec", err)
		}

		switch f.Type {
		case protocol.TypeExecOutputChunk:
			var chunk protocol.ExecOutputChunk
			if err := protocol.Decode(f, &chunk); err != nil {
				return nil, err
			}
			if chunk.Seq != wantSeq {
				return nil, voidboxerr.New(voidboxerr.GuestProtocol, fmt.Sprintf("control.Exec: out-of-order chunk seq %d, want %d", chunk.Seq, wantSeq))
			}
			wantSeq++
			if chunkSink != nil {
				chunkSink(chunk)
			}

		case protocol.TypeExecResponse:
			var resp protocol.ExecResponse
			if err := protocol.Decode(f, &resp); err != nil {
				return nil, err
			}
			return &resp, nil

		case protocol.TypeTelemetryBatch:
			var batch protocol.TelemetryBatch
			if err := protocol.Decode(f, &batch); err != nil {
				continue
			}
			c.pushTelemetry(batch)

		case protocol.TypeError:
			var em protocol.ErrorMessage
			protocol.Decode(f, &em)
			return nil, voidboxerr.New(voidboxerr.GuestExec, "control.Exec: "+em.Message)

		default:
			return nil, voidboxerr.New(voidboxerr.GuestProtocol, fmt.Sprintf("control.Exec: unexpected frame %s", f.Type))
		}
	}
}

func (c *Channel) pushTelemetry(b protocol.TelemetryBatch) {
	select {
	case c.telemetry <- b:
	default:
		select {
		case <-c.telemetry:
		default:
		}
		select {
		case c.telemetry <- b:
		default:
		}
	}
}

// WriteFile performs a native guest-agent file write — no shell
// invocation, parent directories created unless SuppressMkdirAll is set.
func (c *Channel) WriteFile(ctx context.Context, wf protocol.WriteFile) error {
	if wf.RequestID == "" {
		wf.RequestID = uuid.NewString()
	}
	s, err := c.openAuthenticated(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := protocol.WriteFrame(s, protocol.TypeWriteFile, wf); err != nil {
		return err
	}
	s.SetReadTimeout(perReadTimeout)
	f, err := protocol.ReadFrame(s)
	if err != nil {
		return voidboxerr.Wrap(voidboxerr.GuestProtocol, "control.WriteFile", err)
	}
	if f.Type != protocol.TypeWriteFileResponse {
		return voidboxerr.New(voidboxerr.GuestProtocol, fmt.Sprintf("control.WriteFile: unexpected frame %s", f.Type))
	}
	var resp protocol.WriteFileResponse
	if err := protocol.Decode(f, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return voidboxerr.New(voidboxerr.GuestExec, "control.WriteFile: "+resp.Error)
	}
	return nil
}

// Mkdir performs a native guest-agent directory creation.
func (c *Channel) Mkdir(ctx context.Context, md protocol.Mkdir) error {
	if md.RequestID == "" {
		md.RequestID = uuid.NewString()
	}
	s, err := c.openAuthenticated(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := protocol.WriteFrame(s, protocol.TypeMkdir, md); err != nil {
		return err
	}
	s.SetReadTimeout(perReadTimeout)
	f, err := protocol.ReadFrame(s)
	if err != nil {
		return voidboxerr.Wrap(voidboxerr.GuestProtocol, "control.Mkdir", err)
	}
	if f.Type != protocol.TypeMkdirResponse {
		return voidboxerr.New(voidboxerr.GuestProtocol, fmt.Sprintf("control.Mkdir: unexpected frame %s", f.Type))
	}
	var resp protocol.MkdirResponse
	if err := protocol.Decode(f, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return voidboxerr.New(voidboxerr.GuestExec, "control.Mkdir: "+resp.Error)
	}
	return nil
}

// Shutdown sends the graceful shutdown request and waits for the
// guest-agent's acknowledgement, or for the deadline in ctx to expire —
// the caller (the VMM backend's Stop sequence) is responsible for the
// "wait T1 seconds, then hard-kill" escalation named in spec.md §4.4.
func (c *Channel) Shutdown(ctx context.Context) error {
	s, err := c.openAuthenticated(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	// Closing the stream when ctx ends unblocks the read below, so the wait
	// is bounded by ctx's deadline rather than by perReadTimeout.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	if err := protocol.WriteFrame(s, protocol.TypeShutdown, nil); err != nil {
		return err
	}
	s.SetReadTimeout(perReadTimeout)
	f, err := protocol.ReadFrame(s)
	if err != nil {
		if ctx.Err() != nil {
			return voidboxerr.Wrap(voidboxerr.Timeout, "control.Shutdown", ctx.Err())
		}
		return voidboxerr.Wrap(voidboxerr.GuestProtocol, "control.Shutdown", err)
	}
	if f.Type != protocol.TypeShutdownAck {
		return voidboxerr.New(voidboxerr.GuestProtocol, fmt.Sprintf("control.Shutdown: unexpected frame %s", f.Type))
	}
	return nil
}

// ErrShutdownTimeout is returned by callers that build their own
// escalation policy around Shutdown's context deadline.
var ErrShutdownTimeout = errors.New("control: shutdown ack not received before deadline")
