package protocol

// MessageType is a closed enumeration of the frame types that may appear on
// the control channel. The value is the wire byte immediately following the
// length prefix (see frame.go).
type MessageType uint8

const (
	TypeHello MessageType = iota + 1
	TypeExecRequest
	TypeExecResponse
	TypeExecOutputChunk
	TypePing
	TypePong
	TypeShutdown
	TypeShutdownAck
	TypeFileTransfer
	TypeFileTransferChunk
	TypeWriteFile
	TypeWriteFileResponse
	TypeMkdir
	TypeMkdirResponse
	TypeTelemetryBatch
	TypeError
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeExecRequest:
		return "ExecRequest"
	case TypeExecResponse:
		return "ExecResponse"
	case TypeExecOutputChunk:
		return "ExecOutputChunk"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeShutdown:
		return "Shutdown"
	case TypeShutdownAck:
		return "ShutdownAck"
	case TypeFileTransfer:
		return "FileTransfer"
	case TypeFileTransferChunk:
		return "FileTransferChunk"
	case TypeWriteFile:
		return "WriteFile"
	case TypeWriteFileResponse:
		return "WriteFileResponse"
	case TypeMkdir:
		return "Mkdir"
	case TypeMkdirResponse:
		return "MkdirResponse"
	case TypeTelemetryBatch:
		return "TelemetryBatch"
	case TypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// knownTypes is used by ReadFrame to reject unrecognized type bytes.
func knownTypes(t MessageType) bool {
	return t >= TypeHello && t <= TypeError
}

// Hello is sent by the guest-agent immediately after the connection is
// established, carrying the session secret for mutual authentication
// (supplements spec.md — see SPEC_FULL.md §11).
type Hello struct {
	SessionSecret string `json:"session_secret"`
	AgentVersion  string `json:"agent_version"`
}

// ExecRequest is a synchronous command execution request.
type ExecRequest struct {
	RequestID  string            `json:"request_id"`
	Program    string            `json:"program"`
	Args       []string          `json:"args"`
	Stdin      []byte            `json:"stdin,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

// ExecResponse carries the terminal, authoritative result of an exec. Per
// spec.md §3, Stdout/Stderr are the complete concatenated output even when
// ExecOutputChunk frames were streamed along the way.
type ExecResponse struct {
	RequestID  string `json:"request_id"`
	Stdout     []byte `json:"stdout"`
	Stderr     []byte `json:"stderr"`
	ExitCode   int32  `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

// OutputStream identifies which guest stream an ExecOutputChunk carries.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// ExecOutputChunk is an unsolicited, incremental slice of output. Sequence
// numbers are strictly increasing from zero within a single exec.
type ExecOutputChunk struct {
	RequestID string       `json:"request_id"`
	Stream    OutputStream `json:"stream"`
	Data      []byte       `json:"data"`
	Seq       uint64       `json:"seq"`
}

// WriteFile is a native guest-agent file write (no shell invocation).
type WriteFile struct {
	RequestID        string `json:"request_id"`
	Path             string `json:"path"`
	Data             []byte `json:"data"`
	Mode             uint32 `json:"mode,omitempty"`
	SuppressMkdirAll bool   `json:"suppress_mkdir_all,omitempty"`
}

// WriteFileResponse acknowledges a WriteFile.
type WriteFileResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

// Mkdir is a native guest-agent directory creation.
type Mkdir struct {
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
	Mode      uint32 `json:"mode,omitempty"`
}

// MkdirResponse acknowledges a Mkdir.
type MkdirResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

// FileTransfer requests the guest stream an arbitrary file back to the host
// (used for postmortem inspection of guest-written artifacts).
type FileTransfer struct {
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
}

// FileTransferChunk carries one slice of a file transfer; a chunk with
// Final=true and Error="" terminates the transfer successfully.
type FileTransferChunk struct {
	RequestID string `json:"request_id"`
	Data      []byte `json:"data"`
	Seq       uint64 `json:"seq"`
	Final     bool   `json:"final,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProcessSample is one process's resource usage at a telemetry sample point.
type ProcessSample struct {
	PID          int32  `json:"pid"`
	Command      string `json:"command"`
	ResidentKB   uint64 `json:"resident_kb"`
	CPUJiffies   uint64 `json:"cpu_jiffies"`
	State        byte   `json:"state"`
}

// SystemSnapshot is an optional whole-system sample inside a TelemetryBatch.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	NetRxBytes    uint64  `json:"net_rx_bytes"`
	NetTxBytes    uint64  `json:"net_tx_bytes"`
}

// TelemetryBatch is sent guest→host, asynchronously, outside the
// request/response cycle of any particular exec.
type TelemetryBatch struct {
	Seq          uint64          `json:"seq"`
	WallClockMs  int64           `json:"wall_clock_ms"`
	System       *SystemSnapshot `json:"system,omitempty"`
	Processes    []ProcessSample `json:"processes,omitempty"`
	TraceContext string          `json:"trace_context,omitempty"`
}

// ErrorMessage is carried by TypeError frames sent in place of a normal
// response when the guest-agent cannot produce one (malformed request,
// internal fault).
type ErrorMessage struct {
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message"`
}

// Empty bodies (Ping, Pong, Shutdown, ShutdownAck) carry no payload beyond
// the frame header; ReadFrame yields a zero-length Payload for these types,
// and Decode leaves its target untouched.
