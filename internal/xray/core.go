package xray

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"x-fleet/internal/logger"

	"go.uber.org/atomic"
)

const startTimeout = 10 * time.Second

var versionPattern = regexp.MustCompile(`^Xray (\d+\.\d+\.\d+)`)

var ErrNotStarted = errors.New("engine is not running")

// Core supervises a local engine process fed its configuration on stdin.
type Core struct {
	executable string
	assetsPath string

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	started atomic.Bool

	versionOnce sync.Once
	version     string
	versionErr  error
}

func NewCore(executable, assetsPath string) *Core {
	return &Core{executable: executable, assetsPath: assetsPath}
}

func (c *Core) Started() bool {
	return c.started.Load()
}

// Version reports the engine version from `xray version`; the result is memoized.
func (c *Core) Version(ctx context.Context) (string, error) {
	c.versionOnce.Do(func() {
		out, err := exec.CommandContext(ctx, c.executable, "version").Output()
		if err != nil {
			c.versionErr = fmt.Errorf("%s version: %w", c.executable, err)
			return
		}
		m := versionPattern.FindSubmatch(bytes.TrimSpace(out))
		if m == nil {
			c.versionErr = fmt.Errorf("unexpected version output %q", strings.TrimSpace(string(out)))
			return
		}
		c.version = string(m[1])
	})
	return c.version, c.versionErr
}

// Start launches the engine with cfg and waits until it reports readiness.
func (c *Core) Start(ctx context.Context, cfg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil && c.started.Load() {
		return errors.New("engine is already started")
	}

	cmd := exec.Command(c.executable, "run", "-config", "stdin:")
	cmd.Stdin = bytes.NewReader(cfg)
	cmd.Env = os.Environ()
	if c.assetsPath != "" {
		cmd.Env = append(cmd.Env, "XRAY_LOCATION_ASSET="+c.assetsPath)
	}
	output, sink := io.Pipe()
	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		sink.Close()
		return fmt.Errorf("start engine: %w", err)
	}

	ready := make(chan struct{})
	exited := make(chan struct{})
	go c.pipeLogs(output, ready)
	go func() {
		err := cmd.Wait()
		sink.Close()
		c.started.Store(false)
		if err != nil {
			logger.Warningf("engine exited: %v", err)
		}
		close(exited)
	}()

	c.cmd = cmd
	c.exited = exited

	timer := time.NewTimer(startTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		c.started.Store(true)
		logger.Info("engine started")
		return nil
	case <-exited:
		c.cmd = nil
		return errors.New("engine exited during start-up")
	case <-timer.C:
	case <-ctx.Done():
	}
	c.stopLocked()
	return errors.New("engine did not report start-up in time")
}

// Stop terminates the running engine. It is a no-op when nothing runs.
func (c *Core) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Core) Restart(ctx context.Context, cfg []byte) error {
	if err := c.Stop(); err != nil {
		logger.Warningf("stop engine before restart: %v", err)
	}
	return c.Start(ctx, cfg)
}

func (c *Core) stopLocked() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	cmd, exited := c.cmd, c.exited
	c.cmd = nil
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine: %w", err)
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		return errors.New("engine did not exit after kill")
	}
	c.started.Store(false)
	return nil
}

func (c *Core) pipeLogs(r io.Reader, ready chan<- struct{}) {
	signalled := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !signalled && strings.HasSuffix(line, " started") {
			signalled = true
			close(ready)
		}
		logger.Debug(line)
	}
	io.Copy(io.Discard, r)
}
