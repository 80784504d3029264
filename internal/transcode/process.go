package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const stderrTailBytes = 8 << 10

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

// process is one running ffmpeg.
type process struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	done   chan struct{}
	err    error // valid after done is closed
}

// CommandFunc builds the command for a transcoder invocation. It exists so
// tests can substitute a fake binary.
type CommandFunc func(name string, args ...string) *exec.Cmd

// startProcess starts binary detached from any request context; the process
// lives until it exits or Terminate is called.
func startProcess(command CommandFunc, binary string, args []string) (*process, error) {
	if command == nil {
		command = exec.Command
	}
	cmd := command(binary, args...)
	setProcessGroup(cmd)

	p := &process{
		cmd:    cmd,
		stderr: &tailBuffer{max: stderrTailBytes},
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Done is closed once the process has exited and been reaped.
func (p *process) Done() <-chan struct{} { return p.done }

// Terminate sends SIGTERM to the process group, waits up to grace and then
// sends SIGKILL. It always waits for the process to be reaped.
func (p *process) Terminate(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}
	_ = terminateSignal(p.cmd)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		_ = killSignal(p.cmd)
		<-p.done
	}
}

// exitError converts the wait result into an *ExitError, or nil for a clean
// exit. Must be called after Done.
func (p *process) exitError() *ExitError {
	if p.err == nil {
		return nil
	}
	stderr := p.stderr.String()
	code := -1
	var ee *exec.ExitError
	if errors.As(p.err, &ee) {
		code = ee.ExitCode()
	}
	return &ExitError{
		Code:       code,
		Stderr:     lastLines(stderr, 5),
		HWFailure:  IsAcceleratorFailure(stderr),
		NoAudio:    IsMissingAudio(stderr),
		Underlying: p.err,
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
