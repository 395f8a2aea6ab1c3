package scheduler

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

var errProcessExited = errors.New("process exited before becoming ready")

// ticker abstracts poll cadence so tests run without real sleeps.
type ticker func() <-chan time.Time

func realTicker(interval time.Duration) ticker {
	return func() <-chan time.Time { return time.After(interval) }
}

// Binary names shipped by llama.cpp releases. Older archives prefix the
// rpc server with "llama-".
var (
	rpcServerNames       = []string{"rpc-server", "llama-rpc-server"}
	inferenceServerNames = []string{"llama-server", "llama-cli"}
)

// findBinary looks a tool up in PATH first, then in the install directory
// the agent bootstrap script drops binaries into.
func findBinary(installDir string, names ...string) (string, bool) {
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}

	for _, name := range names {
		path := filepath.Join(installDir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}

	return "", false
}

func defaultInstallDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".memgrid", "bin")
}

// process wraps a supervised child. The done channel is closed when the
// child exits, so any number of watchers can observe termination.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// launch starts path with args, detached from the parent's stdio.
func launch(path string, args ...string) (*process, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()

		p.mu.Lock()
		p.err = err
		p.mu.Unlock()

		close(p.done)
	}()

	return p, nil
}

// Done is closed once the child terminates.
func (p *process) Done() <-chan struct{} {
	return p.done
}

// Kill terminates the child and waits for it to be reaped.
func (p *process) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.done
}

// Alive reports whether the child is still running.
func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// waitReady polls check until it reports true, ctx expires or the process
// exits.
func waitReady(ctx context.Context, p proc, check func(context.Context) bool, tick ticker) error {
	for {
		if check(ctx) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Done():
			return errProcessExited
		case <-tick():
		}
	}
}
