// Package proc runs media workers as child processes and exposes them as
// engine.Worker values. Each worker speaks the channel protocol over its
// stdin/stdout and logs to stderr.
package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/engine/channel"
)

const stopTimeout = 3 * time.Second

type Options struct {
	Bin  string
	Args []string
	Slot int
}

// Spawn starts a worker process. The process outlives ctx; ctx only bounds
// the start itself.
func Spawn(ctx context.Context, opts Options) (*Worker, error) {
	if opts.Bin == "" {
		return nil, errors.New("proc: worker binary not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Bin, opts.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: start %s: %w", opts.Bin, err)
	}

	pid := cmd.Process.Pid
	w := newWorker(channel.New(stdout, stdin), pid, func() error { return cmd.Process.Kill() })

	go forwardLogs(stderr, opts.Slot, pid)

	// Reap the process to avoid zombies; its exit is the worker's death.
	go func() {
		waitErr := cmd.Wait()
		if waitErr == nil {
			waitErr = errors.New("exited")
		}
		w.exited(fmt.Errorf("worker pid %d: %w", pid, waitErr))
	}()

	log.Info().Str("module", "proc").Int("slot", opts.Slot).Int("pid", pid).Msg("worker started")
	return w, nil
}

// Attach wraps an already running worker reachable through r and wc.
// Closing the worker closes wc.
func Attach(r io.Reader, wc io.WriteCloser, pid int) *Worker {
	return newWorker(channel.New(r, wc), pid, wc.Close)
}

type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// forwardLogs re-emits the worker's JSON log lines through the parent
// logger, tagged with the slot.
func forwardLogs(r io.Reader, slot, pid int) {
	logger := log.With().Str("module", "worker").Int("slot", slot).Int("pid", pid).Logger()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		var entry logLine
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Info().Msg(string(line))
			continue
		}
		lvl, err := zerolog.ParseLevel(entry.Level)
		if err != nil || lvl == zerolog.NoLevel {
			lvl = zerolog.InfoLevel
		}
		logger.WithLevel(lvl).RawJSON("worker", line).Msg(entry.Message)
	}
}
