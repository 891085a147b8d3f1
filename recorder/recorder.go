// Package recorder supervises the external live capture process of a session and probes
// the resulting media file for its duration.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
)

// Layout of the capture inside a session folder.
const (
	VideoDir     = "videos"
	LiveFileName = "live.mp4"
)

// Supervisor launches streamlink for a channel.
type Supervisor struct {
	// StreamlinkPath defaults to "streamlink" on PATH.
	StreamlinkPath string
	// Quality defaults to "best".
	Quality string
	// ExtraArgs are inserted before the channel URL.
	ExtraArgs []string
	Logger    *slog.Logger
}

// Args returns the capture command line (without the binary) for channel.
func (s *Supervisor) Args(channel string) []string {
	quality := s.Quality
	if quality == "" {
		quality = "best"
	}
	args := []string{"--twitch-disable-ads"}
	args = append(args, s.ExtraArgs...)
	return append(args, "twitch.tv/"+channel, quality, "--stdout")
}

// VideoPath is where the capture of the session in folder is written.
func VideoPath(folder string) string {
	return filepath.Join(folder, VideoDir, LiveFileName)
}

// Start launches the capture with its output redirected to the session video file.
// The process is not tied to ctx; use Stop for external cancellation.
func (s *Supervisor) Start(ctx context.Context, channel, folder string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bin := s.StreamlinkPath
	if bin == "" {
		bin = "streamlink"
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "recorder"), slog.String("channel", channel))

	path := VideoPath(folder)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, archerr.IO("recorder start", err)
	}
	// append so a resumed session never truncates earlier footage
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, archerr.IO("recorder start", err)
	}

	stderr := newTailWriter(logger, 20)
	cmd := exec.Command(bin, s.Args(channel)...)
	cmd.Stdout = out
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, archerr.Process("recorder start", fmt.Errorf("%s: %w", bin, err))
	}
	logger.Info("recorder started", slog.Int("pid", cmd.Process.Pid), slog.String("path", path))

	p := &Process{Path: path, StartedAt: time.Now(), cmd: cmd, done: make(chan struct{}), logger: logger}
	go func() {
		err := cmd.Wait()
		_ = out.Sync()
		_ = out.Close()
		p.exitCode = -1
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				err = fmt.Errorf("exit code %d: %s", p.exitCode, stderr.Tail())
			}
			p.err = archerr.Process("recorder", err)
		}
		logger.Info("recorder exited", slog.Int("exit_code", p.exitCode), slog.Duration("elapsed", time.Since(p.StartedAt)))
		close(p.done)
	}()
	return p, nil
}

// Process is a running capture.
type Process struct {
	Path      string
	StartedAt time.Time

	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	err      error
	logger   *slog.Logger
	stopOnce sync.Once
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits and returns its exit code. A nonzero or signaled
// exit also yields a Process error; either way the capture is over.
func (p *Process) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

// Stop sends SIGTERM, waits up to grace, then kills the process. It returns after exit.
func (p *Process) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Debug("recorder signal", slog.Any("err", err))
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.done:
		case <-t.C:
			p.logger.Warn("recorder did not exit after SIGTERM; killing", slog.Duration("grace", grace))
			_ = p.cmd.Process.Kill()
		}
	})
	<-p.done
}
