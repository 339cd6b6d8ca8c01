package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/the-void-ia/voidbox/internal/gueststream"
	"github.com/the-void-ia/voidbox/internal/protocol"
)

// pipeStream adapts a net.Conn (from net.Pipe) to gueststream.Stream for
// tests that don't need a real vsock transport.
type pipeStream struct{ net.Conn }

func (p pipeStream) Flush() error { return nil }
func (p pipeStream) SetReadTimeout(d time.Duration) error {
	if d == 0 {
		return p.Conn.SetReadDeadline(time.Time{})
	}
	return p.Conn.SetReadDeadline(time.Now().Add(d))
}

const testSecret = "deadbeef"

func newTestChannel(t *testing.T, guestAgent func(gueststream.Stream)) *Channel {
	t.Helper()
	dial := func(ctx context.Context) (gueststream.Stream, error) {
		hostSide, guestSide := net.Pipe()
		go func() {
			s := pipeStream{guestSide}
			protocol.WriteFrame(s, protocol.TypeHello, protocol.Hello{SessionSecret: testSecret})
			guestAgent(s)
		}()
		return pipeStream{hostSide}, nil
	}
	return New(dial, testSecret)
}

func TestExecRoundTrip(t *testing.T) {
	ch := newTestChannel(t, func(s gueststream.Stream) {
		f, err := protocol.ReadFrame(s)
		require.NoError(t, err)
		require.Equal(t, protocol.TypeExecRequest, f.Type)

		var req protocol.ExecRequest
		require.NoError(t, protocol.Decode(f, &req))

		protocol.WriteFrame(s, protocol.TypeExecOutputChunk, protocol.ExecOutputChunk{
			RequestID: req.RequestID, Stream: protocol.StreamStdout, Data: []byte("hel"), Seq: 0,
		})
		protocol.WriteFrame(s, protocol.TypeExecOutputChunk, protocol.ExecOutputChunk{
			RequestID: req.RequestID, Stream: protocol.StreamStdout, Data: []byte("lo\n"), Seq: 1,
		})
		protocol.WriteFrame(s, protocol.TypeExecResponse, protocol.ExecResponse{
			RequestID: req.RequestID, Stdout: []byte("hello\n"), ExitCode: 0,
		})
	})

	var chunks [][]byte
	resp, err := ch.Exec(context.Background(), protocol.ExecRequest{Program: "echo", Args: []string{"hello"}}, func(c protocol.ExecOutputChunk) {
		chunks = append(chunks, c.Data)
	})
	require.NoError(t, err)
	require.Equal(t, int32(0), resp.ExitCode)
	require.Equal(t, "hello\n", string(resp.Stdout))
	require.Len(t, chunks, 2)
}

func TestExecRejectsOutOfOrderChunks(t *testing.T) {
	ch := newTestChannel(t, func(s gueststream.Stream) {
		f, _ := protocol.ReadFrame(s)
		var req protocol.ExecRequest
		protocol.Decode(f, &req)
		protocol.WriteFrame(s, protocol.TypeExecOutputChunk, protocol.ExecOutputChunk{
			RequestID: req.RequestID, Stream: protocol.StreamStdout, Data: []byte("x"), Seq: 1,
		})
	})

	_, err := ch.Exec(context.Background(), protocol.ExecRequest{Program: "x"}, nil)
	require.Error(t, err)
}

func TestOpenAuthenticatedRejectsBadSecret(t *testing.T) {
	dial := func(ctx context.Context) (gueststream.Stream, error) {
		hostSide, guestSide := net.Pipe()
		go func() {
			s := pipeStream{guestSide}
			protocol.WriteFrame(s, protocol.TypeHello, protocol.Hello{SessionSecret: "wrong"})
		}()
		return pipeStream{hostSide}, nil
	}
	ch := New(dial, testSecret)
	_, err := ch.Exec(context.Background(), protocol.ExecRequest{Program: "x"}, nil)
	require.Error(t, err)
}
