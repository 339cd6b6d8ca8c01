package protocol

import (
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeStream adapts a net.Conn to gueststream.Stream for tests.
type pipeStream struct{ net.Conn }

func (p pipeStream) Flush() error                        { return nil }
func (p pipeStream) SetReadTimeout(d time.Duration) error { return nil }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		typ  MessageType
		v    interface{}
	}{
		{"hello", TypeHello, Hello{SessionSecret: "abc", AgentVersion: "v1"}},
		{"exec-request", TypeExecRequest, ExecRequest{Program: "echo", Args: []string{"hi"}}},
		{"exec-response", TypeExecResponse, ExecResponse{Stdout: []byte("hi\n"), ExitCode: 0}},
		{"chunk", TypeExecOutputChunk, ExecOutputChunk{Stream: StreamStdout, Data: []byte("x"), Seq: 3}},
		{"telemetry", TypeTelemetryBatch, TelemetryBatch{Seq: 1, WallClockMs: 123}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := Encode(tc.typ, tc.v)
			require.NoError(t, err)

			a, b := net.Pipe()
			defer a.Close()
			defer b.Close()

			go func() {
				w := buf
				for len(w) > 0 {
					n, err := b.Write(w)
					if err != nil {
						return
					}
					w = w[n:]
				}
			}()

			f, err := ReadFrame(pipeStream{a})
			require.NoError(t, err)
			require.Equal(t, tc.typ, f.Type)

			got := reflect.New(reflect.TypeOf(tc.v))
			require.NoError(t, Decode(f, got.Interface()))
			require.Equal(t, tc.v, got.Elem().Interface())
		})
	}
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		b.Write([]byte{0, 0, 0, 0, 0xFF})
	}()

	_, err := ReadFrame(pipeStream{a})
	require.Error(t, err)
}

func TestReadFrameRejectsTruncatedPayload(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	go func() {
		// Claim a 10-byte payload, send 3, then close.
		b.Write([]byte{10, 0, 0, 0, byte(TypePing)})
		b.Write([]byte{1, 2, 3})
		b.Close()
	}()

	_, err := ReadFrame(pipeStream{a})
	require.Error(t, err)
}
