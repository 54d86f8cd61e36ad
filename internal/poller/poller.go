// Package poller waits for an asynchronous video job to reach a terminal state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/metrics"
	"github.com/forPelevin/petclip/internal/ports"
	"github.com/forPelevin/petclip/internal/retry"
	"github.com/forPelevin/petclip/internal/types"
)

const (
	DefaultInitialDelay = 30 * time.Second
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 40
)

type Options struct {
	InitialDelay time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	// Sleep replaces the context-aware timer, mostly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns the production schedule: one long initial wait, then
// a fixed interval.
func DefaultOptions() Options {
	return Options{InitialDelay: DefaultInitialDelay, PollInterval: DefaultPollInterval, MaxAttempts: DefaultMaxAttempts}
}

type Poller struct {
	checker ports.StatusChecker
	opts    Options
	log     zerolog.Logger
}

func New(checker ports.StatusChecker, opts Options) *Poller {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PollInterval < 0 {
		opts.PollInterval = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.SleepContext
	}
	return &Poller{checker: checker, opts: opts, log: log.WithComponent("poller")}
}

// errNotDone marks a non-terminal poll so the retry loop keeps going.
var errNotDone = errors.New("job not finished")

// AwaitCompletion sleeps the initial delay once and then checks status up to
// MaxAttempts times. Remote service errors are logged and count as attempts;
// any other error ends the wait at once.
// Succeeded and Failed are returned as statuses; only exhaustion is an error.
func (p *Poller) AwaitCompletion(ctx context.Context, handle types.JobHandle) (types.JobStatus, error) {
	l := log.For(ctx, p.log).With().Str("handle", string(handle)).Logger()
	start := time.Now()

	if err := p.opts.Sleep(ctx, p.opts.InitialDelay); err != nil {
		return types.JobStatus{}, err
	}

	var last types.JobStatus
	policy := retry.Policy{
		MaxAttempts: p.opts.MaxAttempts,
		Backoff:     retry.Constant(p.opts.PollInterval),
		Sleep:       p.opts.Sleep,
		Retryable: func(err error) bool {
			return errors.Is(err, types.ErrRemoteService) || errors.Is(err, errNotDone)
		},
	}
	st, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (types.JobStatus, error) {
		st, err := p.checker.CheckStatus(ctx, handle)
		if err != nil {
			metrics.RecordPoll("error")
			l.Warn().Err(err).Int("attempt", attempt).Msg("status check failed")
			return types.JobStatus{}, err
		}
		metrics.RecordPoll(string(st.State))
		last = st
		l.Debug().Int("attempt", attempt).Str("state", string(st.State)).Msg("polled job")
		if st.IsTerminal() {
			return st, nil
		}
		return st, fmt.Errorf("%w: %s", errNotDone, st.State)
	})
	if err == nil {
		l.Info().Str("state", string(st.State)).Dur("elapsed", time.Since(start)).Msg("job finished")
		return st, nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		l.Warn().Int("attempts", exhausted.Attempts).Str("last_state", string(last.State)).Msg("gave up waiting for job")
		return last, &types.TimeoutError{Handle: handle, Attempts: exhausted.Attempts, Elapsed: time.Since(start)}
	}
	return types.JobStatus{}, err
}
