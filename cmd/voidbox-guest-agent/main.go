// voidbox-guest-agent is the guest-side PID 1 (or a child of a minimal
// init) that runs inside a voidbox microVM. It listens for the host's
// control-channel connection over vsock, authenticates it with the
// session secret baked into the kernel command line, and serves exec,
// write-file, mkdir and shutdown requests.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/the-void-ia/voidbox/internal/gueststream"
	"github.com/the-void-ia/voidbox/internal/protocol"
	"github.com/the-void-ia/voidbox/internal/version"
)

const controlPort = 1234

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	secret, err := readSecretFromCmdline()
	if err != nil {
		slog.Error("guest-agent: read session secret", "err", err)
		os.Exit(1)
	}

	l, err := gueststream.ListenVsockGuest(controlPort)
	if err != nil {
		slog.Error("guest-agent: listen vsock", "err", err)
		os.Exit(1)
	}
	defer l.Close()

	slog.Info("guest-agent: listening", "port", controlPort, "version", version.Version())

	for {
		s, err := l.Accept()
		if err != nil {
			slog.Error("guest-agent: accept", "err", err)
			continue
		}
		go serveSession(s, secret)
	}
}

// serveSession handles exactly one request/response exchange per spec's
// session-per-exec model: send Hello, read one request, reply, close.
func serveSession(s gueststream.Stream, secret string) {
	defer s.Close()

	if err := protocol.WriteFrame(s, protocol.TypeHello, protocol.Hello{
		SessionSecret: secret,
		AgentVersion:  version.Version(),
	}); err != nil {
		slog.Error("guest-agent: send hello", "err", err)
		return
	}

	f, err := protocol.ReadFrame(s)
	if err != nil {
		slog.Error("guest-agent: read request", "err", err)
		return
	}

	switch f.Type {
	case protocol.TypeExecRequest:
		var req protocol.ExecRequest
		if err := protocol.Decode(f, &req); err != nil {
			sendError(s, "", err)
			return
		}
		serveExec(s, req)

	case protocol.TypeWriteFile:
		var wf protocol.WriteFile
		if err := protocol.Decode(f, &wf); err != nil {
			sendError(s, "", err)
			return
		}
		serveWriteFile(s, wf)

	case protocol.TypeMkdir:
		var md protocol.Mkdir
		if err := protocol.Decode(f, &md); err != nil {
			sendError(s, "", err)
			return
		}
		serveMkdir(s, md)

	case protocol.TypeShutdown:
		protocol.WriteFrame(s, protocol.TypeShutdownAck, nil)
		s.Close()
		syscall.Sync()
		os.Exit(0)

	default:
		sendError(s, "", fmt.Errorf("unexpected request frame %s", f.Type))
	}
}

func sendError(s gueststream.Stream, requestID string, err error) {
	protocol.WriteFrame(s, protocol.TypeError, protocol.ErrorMessage{RequestID: requestID, Message: err.Error()})
}

// serveExec runs req.Program, streaming stdout/stderr as ExecOutputChunk
// frames as they arrive and finishing with the authoritative
// ExecResponse carrying the full concatenated output (spec.md §3). When
// req.TimeoutSec is set, its expiry cancels the context, which best-effort
// SIGKILLs the child's entire process group (Setpgid makes the child its
// own group leader), so a shell pipeline's grandchildren die with it
// instead of being orphaned. A closed stream does not cancel the context;
// the child runs on until it exits or times out.
func serveExec(s gueststream.Stream, req protocol.ExecRequest) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if req.TimeoutSec > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, req.Program, req.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if len(req.Env) > 0 {
		env := os.Environ()
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if len(req.Stdin) > 0 {
		cmd.Stdin = strings.NewReader(string(req.Stdin))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sendError(s, req.RequestID, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		sendError(s, req.RequestID, err)
		return
	}

	// writeMu makes taking a seq and writing its frame one step, so chunks
	// from the two pipes reach the stream in seq order.
	var seq uint64
	var writeMu sync.Mutex
	var outBuf, errBuf strings.Builder
	start := time.Now()

	if err := cmd.Start(); err != nil {
		sendError(s, req.RequestID, err)
		return
	}

	done := make(chan struct{}, 2)
	stream := func(r *bufio.Reader, which protocol.OutputStream, buf *strings.Builder) {
		defer func() { done <- struct{}{} }()
		chunk := make([]byte, 4096)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				buf.Write(chunk[:n])
				writeMu.Lock()
				protocol.WriteFrame(s, protocol.TypeExecOutputChunk, protocol.ExecOutputChunk{
					RequestID: req.RequestID,
					Stream:    which,
					Data:      append([]byte(nil), chunk[:n]...),
					Seq:       seq,
				})
				seq++
				writeMu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}

	go stream(bufio.NewReader(stdout), protocol.StreamStdout, &outBuf)
	go stream(bufio.NewReader(stderr), protocol.StreamStderr, &errBuf)
	<-done
	<-done

	waitErr := cmd.Wait()
	duration := time.Since(start).Milliseconds()

	exitCode := int32(0)
	errMsg := ""
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = int32(exitErr.ExitCode())
		} else {
			exitCode = -1
			errMsg = waitErr.Error()
		}
	}

	protocol.WriteFrame(s, protocol.TypeExecResponse, protocol.ExecResponse{
		RequestID:  req.RequestID,
		Stdout:     []byte(outBuf.String()),
		Stderr:     []byte(errBuf.String()),
		ExitCode:   exitCode,
		Error:      errMsg,
		DurationMs: &duration,
	})
}

func serveWriteFile(s gueststream.Stream, wf protocol.WriteFile) {
	mode := os.FileMode(0644)
	if wf.Mode != 0 {
		mode = os.FileMode(wf.Mode)
	}
	if !wf.SuppressMkdirAll {
		if dir := dirOf(wf.Path); dir != "" {
			os.MkdirAll(dir, 0755)
		}
	}
	errMsg := ""
	if err := os.WriteFile(wf.Path, wf.Data, mode); err != nil {
		errMsg = err.Error()
	}
	protocol.WriteFrame(s, protocol.TypeWriteFileResponse, protocol.WriteFileResponse{RequestID: wf.RequestID, Error: errMsg})
}

func serveMkdir(s gueststream.Stream, md protocol.Mkdir) {
	mode := os.FileMode(0755)
	if md.Mode != 0 {
		mode = os.FileMode(md.Mode)
	}
	errMsg := ""
	if err := os.MkdirAll(md.Path, mode); err != nil {
		errMsg = err.Error()
	}
	protocol.WriteFrame(s, protocol.TypeMkdirResponse, protocol.MkdirResponse{RequestID: md.RequestID, Error: errMsg})
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return ""
	}
	return path[:i]
}

// readSecretFromCmdline extracts voidbox.secret= from /proc/cmdline,
// the kernel command line the KVM/hvf backend builds (spec.md §6).
func readSecretFromCmdline() (string, error) {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return "", err
	}
	for _, tok := range strings.Fields(string(data)) {
		if v, ok := strings.CutPrefix(tok, "voidbox.secret="); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("voidbox.secret not present in /proc/cmdline")
}
