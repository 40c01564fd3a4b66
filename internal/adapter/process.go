package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/probeworks/gauntlet/internal/model"
)

// stdout lines are protocol messages; anything close to this limit is a
// misbehaving service.
const maxMessageBytes = 1024 * 1024

// ProcessService runs an analyzer service as a subprocess. The request is
// written to stdin as one JSON document; the service answers with
// newline-delimited JSON messages on stdout, stderr is logged line by line.
type ProcessService struct {
	name string
	path string
	args []string
	env  []string
}

var _ Service = (*ProcessService)(nil)

// NewProcessService builds a subprocess-backed service from its
// configuration. Env values starting with $ are expanded from the gauntlet
// process environment.
func NewProcessService(cfg model.ServiceConfig) *ProcessService {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return &ProcessService{
		name: cfg.Name,
		path: cfg.Command.Path,
		args: append([]string(nil), cfg.Command.Args...),
		env:  env,
	}
}

func (s *ProcessService) Name() string { return s.name }

// Messages starts the service process and yields every protocol message it
// emits. The process is killed when the iterator is abandoned (terminal
// message consumed, context cancelled) and always reaped.
func (s *ProcessService) Messages(ctx context.Context, req Request) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		procCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		input, err := json.Marshal(req)
		if err != nil {
			yield(model.Message{}, fmt.Errorf("encoding service request: %w", err))
			return
		}

		cmd := exec.CommandContext(procCtx, s.path, s.args...)
		cmd.Env = append(os.Environ(), s.env...)
		cmd.Stdin = bytes.NewReader(input)
		// Grandchildren may inherit the pipes; WaitDelay forces them closed
		// so an orphan can never wedge the reap.
		cmd.WaitDelay = 10 * time.Second

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(model.Message{}, fmt.Errorf("opening stdout of %s: %w", s.name, err))
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			yield(model.Message{}, fmt.Errorf("opening stderr of %s: %w", s.name, err))
			return
		}

		if err := cmd.Start(); err != nil {
			yield(model.Message{}, fmt.Errorf("starting service %s: %w", s.name, err))
			return
		}

		stderrDone := make(chan struct{})
		go func() {
			defer close(stderrDone)
			s.processStderr(ctx, stderr)
		}()

		defer func() {
			cancel()
			if err := cmd.Wait(); err != nil && procCtx.Err() == nil {
				slog.DebugContext(ctx, "service process exited with error", "service", s.name, "error", err)
			}
			<-stderrDone
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxMessageBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var msg model.Message
			if err := json.Unmarshal(line, &msg); err != nil {
				if !yield(model.Message{}, fmt.Errorf("decoding message from %s: %w", s.name, err)) {
					return
				}
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && procCtx.Err() == nil {
			yield(model.Message{}, fmt.Errorf("reading from %s: %w", s.name, err))
		}
	}
}

func (s *ProcessService) processStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.DebugContext(ctx, "service stderr", "service", s.name, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "service", s.name, "error", err)
	}
}
