//go:build e2e

package e2e

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/philsphicas/blazeproxy/internal/protocol"
	"github.com/philsphicas/blazeproxy/internal/tdf"
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// blazeproxyBinary builds the blazeproxy binary once and returns its path.
func blazeproxyBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			// Try current dir if we're running from root.
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "blazeproxy")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/blazeproxy")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build blazeproxy: %v", buildErr)
	}
	return builtBinary
}

// blazeproxyProcess represents a running blazeproxy process with log capture.
type blazeproxyProcess struct {
	cmd  *exec.Cmd
	logs *logBuffer

	waitOnce sync.Once
	waitErr  error
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(append(lb.lines, lb.partial), "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// startBlazeproxy starts a blazeproxy process with the given args. The
// process is killed on test cleanup.
func startBlazeproxy(t *testing.T, args ...string) *blazeproxyProcess {
	t.Helper()
	cmd := exec.Command(blazeproxyBinary(t), args...)
	cmd.Env = cleanEnv()

	logs := &logBuffer{}
	cmd.Stderr = logs // blazeproxy logs to stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start blazeproxy %v: %v", args, err)
	}
	proc := &blazeproxyProcess{cmd: cmd, logs: logs}

	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		proc.wait()
	})
	return proc
}

func (p *blazeproxyProcess) wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

// interruptAndWait sends SIGINT and returns the exit code.
func interruptAndWait(t *testing.T, p *blazeproxyProcess, timeout time.Duration) int {
	t.Helper()
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		t.Fatalf("signal: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- p.wait() }()
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		return 0
	case <-time.After(timeout):
		t.Fatalf("blazeproxy did not exit within %v\n%s", timeout, p.logs.String())
		return -1
	}
}

// cleanEnv strips BLAZEPROXY_* so the host environment does not leak into
// flag defaults.
func cleanEnv() []string {
	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "BLAZEPROXY_") {
			env = append(env, e)
		}
	}
	return env
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *blazeproxyProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q\n%s", substr, proc.logs.String())
	}
	return line
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *blazeproxyProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

// blazePacket encodes a request packet.
func blazePacket(t *testing.T, component, command, id uint16, fields ...tdf.Field) []byte {
	t.Helper()
	b, err := (&protocol.Packet{
		Header: protocol.Header{Component: component, Command: command, Type: protocol.Request, ID: id},
		Fields: fields,
	}).Encode()
	if err != nil {
		t.Fatalf("encode packet: %v", err)
	}
	return b
}

// insecureClientTLS trusts the proxy's self-signed certificate.
func insecureClientTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed test certificate
}
