package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the number of commands executed concurrently
const DefaultWorkers = 5

// ReplySink delivers a command's reply to the chat it came from
type ReplySink interface {
	SendReply(ctx context.Context, req Request, reply Reply) error
}

// ReplySinkFunc is a function adapter for ReplySink
type ReplySinkFunc func(ctx context.Context, req Request, reply Reply) error

// SendReply implements ReplySink
func (f ReplySinkFunc) SendReply(ctx context.Context, req Request, reply Reply) error {
	return f(ctx, req, reply)
}

// Recorder observes command executions
type Recorder interface {
	RecordCommand(command, outcome string, duration time.Duration)
}

// Command outcomes passed to the Recorder
const (
	OutcomeReplied       = "replied"
	OutcomeSilent        = "silent"
	OutcomeFailed        = "failed"
	OutcomeUndeliverable = "undeliverable"
)

// Result is the outcome of one submitted command
type Result struct {
	Request Request
	// Command is the matched command name, empty for unknown input
	Command string
	Reply   Reply
	// Sent is true when the reply was handed to the sink
	Sent bool
	Err  error
}

// Pool executes commands on a bounded number of goroutines
type Pool struct {
	registry *Registry
	sink     ReplySink
	workers  int64
	sem      *semaphore.Weighted
	recorder Recorder
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// PoolOption configures the Pool
type PoolOption func(*Pool)

// WithWorkers bounds concurrent executions
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = int64(n)
		}
	}
}

// WithRecorder records every execution
func WithRecorder(recorder Recorder) PoolOption {
	return func(p *Pool) {
		p.recorder = recorder
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a worker pool. sink may be nil when replies are only
// read from the Result channel.
func NewPool(registry *Registry, sink ReplySink, options ...PoolOption) *Pool {
	p := &Pool{
		registry: registry,
		sink:     sink,
		workers:  DefaultWorkers,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	p.sem = semaphore.NewWeighted(p.workers)
	return p
}

// Workers returns the concurrency bound
func (p *Pool) Workers() int {
	return int(p.workers)
}

// Submit queues req and returns at once. The returned channel yields exactly
// one Result after the reply, if any, was passed to the sink. Tasks have no
// timeout of their own; ctx cancels waiting for a worker and is handed to
// the command.
func (p *Pool) Submit(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)

	cmd, args, ok := p.registry.Lookup(req.Name)
	if !ok {
		out <- Result{Request: req, Err: fmt.Errorf("%w: %q", ErrUnknownCommand, req.Name)}
		close(out)
		return out
	}
	req.Args = args

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		out <- Result{Request: req, Command: cmd.Name(), Err: ErrPoolClosed}
		close(out)
		return out
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer close(out)
		out <- p.run(ctx, cmd, req)
	}()
	return out
}

func (p *Pool) run(ctx context.Context, cmd Command, req Request) Result {
	result := Result{Request: req, Command: cmd.Name()}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		result.Err = err
		return result
	}
	defer p.sem.Release(1)

	start := time.Now()
	reply, err := p.execute(ctx, cmd, req)
	result.Reply = reply

	outcome := OutcomeSilent
	switch {
	case err != nil:
		result.Err = err
		outcome = OutcomeFailed
		p.logger.Error("command failed",
			"command", cmd.Name(),
			"messageId", req.MessageID,
			"error", err)
	case !reply.Empty() && p.sink != nil:
		if err := p.sink.SendReply(ctx, req, reply); err != nil {
			result.Err = fmt.Errorf("failed to send reply for %s: %w", cmd.Name(), err)
			outcome = OutcomeUndeliverable
			p.logger.Error("failed to send command reply",
				"command", cmd.Name(),
				"replyToId", req.ReplyToID,
				"error", err)
		} else {
			result.Sent = true
			outcome = OutcomeReplied
		}
	}

	if p.recorder != nil {
		p.recorder.RecordCommand(cmd.Name(), outcome, time.Since(start))
	}
	p.logger.Debug("command executed",
		"command", cmd.Name(),
		"outcome", outcome,
		"duration", time.Since(start))
	return result
}

func (p *Pool) execute(ctx context.Context, cmd Command, req Request) (reply Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v", cmd.Name(), r)
		}
	}()
	return cmd.Execute(ctx, req)
}

// Close rejects new submissions and waits for in-flight commands
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
