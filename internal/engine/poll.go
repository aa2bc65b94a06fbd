package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stratadb/strata/pkg/types"
)

// pollErrorWait scales with the consecutive-error count to back replay
// pressure off a struggling database.
const pollErrorWait = 5 * time.Second

// Dispatch appends an event and blocks until its version is durably applied,
// returning the finished event. A failed event comes back with an EventError
// carrying it.
func (e *Engine) Dispatch(ctx context.Context, typ string, data any) (*types.Event, error) {
	return e.DispatchAt(ctx, typ, data, 0)
}

// DispatchAt is Dispatch with an explicit millisecond timestamp.
func (e *Engine) DispatchAt(ctx context.Context, typ string, data any, ts int64) (*types.Event, error) {
	if e.cfg.ReadOnly {
		return nil, fmt.Errorf("dispatch %s: %w", typ, types.ErrReadOnly)
	}
	ev, err := e.queue.Add(ctx, typ, data, ts)
	if err != nil {
		return nil, err
	}
	return e.HandledVersion(ctx, ev.V)
}

// HandledVersion waits until version v has been applied, by this process or
// another one sharing the file, and returns that event. An already-handled
// version resolves immediately from the log; a failed event rejects with an
// EventError even when a different process applied it.
func (e *Engine) HandledVersion(ctx context.Context, v int64) (*types.Event, error) {
	if v <= 0 {
		return nil, nil
	}
	uv, err := e.ro.UserVersion(ctx)
	if err != nil {
		return nil, err
	}
	if uv >= v {
		return e.finishedEvent(ctx, v)
	}

	ch := make(chan *types.Event, 1)
	e.mu.Lock()
	if e.fatal != nil {
		err := e.fatal
		e.mu.Unlock()
		return nil, err
	}
	e.waiters[v] = append(e.waiters[v], ch)
	e.startPollingLocked()
	e.mu.Unlock()

	// Re-check after registering: the version may have landed between the
	// first read and the registration, with no later event to trigger the
	// next resolve pass.
	if uv, err := e.ro.UserVersion(ctx); err == nil && uv >= v {
		e.removeWaiter(v, ch)
		select {
		case ev := <-ch:
			if ev != nil && ev.HasError() {
				return ev, &types.EventError{Event: ev}
			}
			if ev != nil {
				return ev, nil
			}
		default:
		}
		return e.finishedEvent(ctx, v)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-ch:
		if ev == nil {
			if err := e.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("waiting for version %d: %w", v, types.ErrStopped)
		}
		if ev.HasError() {
			return ev, &types.EventError{Event: ev}
		}
		return ev, nil
	}
}

func (e *Engine) finishedEvent(ctx context.Context, v int64) (*types.Event, error) {
	ev, err := e.queue.Get(ctx, v)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("version %d: %w", v, types.ErrNotFound)
	}
	if ev.HasError() {
		return ev, &types.EventError{Event: ev}
	}
	return ev, nil
}

// StartPolling begins replaying unseen events in the background and keeps
// watching for events written by other processes until StopPolling.
func (e *Engine) StartPolling() {
	e.mu.Lock()
	e.startPollingLocked()
	e.mu.Unlock()
}

func (e *Engine) startPollingLocked() {
	if e.polling || e.fatal != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.polling = true
	e.pollStop = cancel
	e.pollDone = make(chan struct{})
	go e.pollLoop(ctx, e.pollDone)
}

// StopPolling cancels any in-progress wait and returns once the event
// currently in flight, if any, has finished. Waiters for versions never
// reached stay pending.
func (e *Engine) StopPolling() {
	e.mu.Lock()
	if !e.polling {
		e.mu.Unlock()
		return
	}
	cancel := e.pollStop
	done := e.pollDone
	e.mu.Unlock()

	cancel()
	e.queue.CancelNext()
	<-done
}

// pollLoop replays events strictly in version order: read the durable
// version, wait for the next event above it, handle it, repeat. Loop-level
// failures back off and reopen the connections; exceeding the retry ceiling
// is fatal for the engine.
func (e *Engine) pollLoop(ctx context.Context, done chan struct{}) {
	defer func() {
		e.mu.Lock()
		e.polling = false
		e.mu.Unlock()
		close(done)
	}()

	errCount := 0
	for ctx.Err() == nil {
		uv, err := e.rw.UserVersion(ctx)
		if err != nil {
			if !e.backoff(ctx, &errCount, err) {
				return
			}
			continue
		}
		e.resolveWaiters(ctx, uv)

		ev, err := e.queue.GetNext(ctx, uv, false)
		if err != nil {
			if !e.backoff(ctx, &errCount, err) {
				return
			}
			continue
		}
		if ev == nil {
			// Cancelled; the loop condition decides whether to exit.
			continue
		}

		if e.cfg.ReadOnly {
			// Another process applies events; we only watch the version
			// advance to resolve waiters.
			if !sleep(ctx, e.cfg.PollWait) {
				return
			}
			continue
		}
		if err := e.handleEvent(ctx, ev); err != nil {
			if !e.backoff(ctx, &errCount, err) {
				return
			}
			continue
		}
		errCount = 0
	}
}

// backoff handles a poll-loop failure: wait proportionally to the
// consecutive-error count, reopen the connections, and report whether the
// loop should keep going. Exhausting the ceiling records a fatal error and
// releases every waiter.
func (e *Engine) backoff(ctx context.Context, count *int, err error) bool {
	*count++
	if *count > e.cfg.MaxPollRetries {
		fatal := fmt.Errorf("event replay failed %d consecutive times: %w", *count-1, err)
		e.mu.Lock()
		e.fatal = fatal
		waiters := e.waiters
		e.waiters = make(map[int64][]chan *types.Event)
		e.mu.Unlock()
		for _, chans := range waiters {
			for _, ch := range chans {
				close(ch)
			}
		}
		e.log.Error("event replay giving up", zap.Error(err),
			zap.Int("attempts", *count-1))
		return false
	}

	wait := time.Duration(*count) * pollErrorWait
	e.log.Warn("event replay error, backing off",
		zap.Error(err), zap.Int("attempt", *count), zap.Duration("wait", wait))
	if !sleep(ctx, wait) {
		return false
	}
	if err := e.rw.Reopen(); err != nil {
		e.log.Warn("reopening read-write connection", zap.Error(err))
	}
	if e.ro != e.rw {
		if err := e.ro.Reopen(); err != nil {
			e.log.Warn("reopening read-only connection", zap.Error(err))
		}
	}
	return true
}

func (e *Engine) removeWaiter(v int64, ch chan *types.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	chans := e.waiters[v]
	for i, c := range chans {
		if c == ch {
			e.waiters[v] = append(chans[:i], chans[i+1:]...)
			if len(e.waiters[v]) == 0 {
				delete(e.waiters, v)
			}
			return
		}
	}
}

// resolveWaiters completes every waiter whose version is now durable.
func (e *Engine) resolveWaiters(ctx context.Context, upTo int64) {
	e.mu.Lock()
	var ready []int64
	for v := range e.waiters {
		if v <= upTo {
			ready = append(ready, v)
		}
	}
	chans := make(map[int64][]chan *types.Event, len(ready))
	for _, v := range ready {
		chans[v] = e.waiters[v]
		delete(e.waiters, v)
	}
	e.mu.Unlock()

	for v, chs := range chans {
		ev, err := e.queue.Get(ctx, v)
		if err != nil {
			e.log.Warn("loading handled event for waiter",
				zap.Int64("v", v), zap.Error(err))
			ev = nil
		}
		for _, ch := range chs {
			ch <- ev
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
