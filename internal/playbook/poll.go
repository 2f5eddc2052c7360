package playbook

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultPollAttempts = 30
	DefaultPollInterval = 10 * time.Second
)

// PollStatus is one observation. Done ends the loop; Failed with Done marks
// a terminal failure.
type PollStatus struct {
	Done   bool
	Failed bool
	Status string
	Output map[string]any
}

// Poller is a bounded, fixed-interval wait. It blocks the caller and spawns
// nothing.
type Poller struct {
	MaxAttempts int
	Interval    time.Duration
	// Sleep waits d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultPoller() Poller {
	return Poller{MaxAttempts: DefaultPollAttempts, Interval: DefaultPollInterval}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poll calls fn until it reports Done. Exhaustion gives POLL_TIMEOUT with
// the last status; cancellation gives POLL_CANCELLED; a terminal failure or
// fn error gives failCode.
func (p Poller) Poll(ctx context.Context, failCode Code, fn func(ctx context.Context) (PollStatus, error)) (PollStatus, *StepError) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last PollStatus
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return last, cancelled(err, i-1, last.Status)
		}
		st, err := fn(ctx)
		if err != nil {
			return last, newStepError(failCode, err.Error(), map[string]any{"attempts": i, "lastStatus": last.Status})
		}
		last = st
		if st.Done {
			if st.Failed {
				return last, newStepError(failCode, fmt.Sprintf("terminal status %s", st.Status), map[string]any{"attempts": i, "lastStatus": st.Status})
			}
			return last, nil
		}
		if i == attempts {
			break
		}
		if err := sleep(ctx, interval); err != nil {
			return last, cancelled(err, i, last.Status)
		}
	}
	return last, newStepError(CodePollTimeout,
		fmt.Sprintf("not finished after %d attempts at %s", attempts, interval),
		map[string]any{"attempts": attempts, "lastStatus": last.Status})
}

func cancelled(err error, attempts int, lastStatus string) *StepError {
	return newStepError(CodePollCancelled, err.Error(), map[string]any{"attempts": attempts, "lastStatus": lastStatus})
}
