package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SweepThrottle bounds how often sweeps run.
type SweepThrottle interface {
	// Acquire reports whether a sweep may start at now and, if so, records it.
	Acquire(ctx context.Context, now time.Time, minInterval time.Duration) (bool, error)
}

// LocalSweepThrottle is a process-wide throttle backed by an atomic timestamp.
type LocalSweepThrottle struct {
	lastUnixNano atomic.Int64
}

// Acquire implements SweepThrottle.
func (throttle *LocalSweepThrottle) Acquire(_ context.Context, now time.Time, minInterval time.Duration) (bool, error) {
	nowUnixNano := now.UnixNano()
	for {
		last := throttle.lastUnixNano.Load()
		if last != 0 && nowUnixNano-last < minInterval.Nanoseconds() {
			return false, nil
		}
		if throttle.lastUnixNano.CompareAndSwap(last, nowUnixNano) {
			return true, nil
		}
	}
}

// SweepReport describes one completed sweep run.
type SweepReport struct {
	Cancelled int
	Forced    bool
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// SweepObserver is notified after every sweep run.
type SweepObserver func(ctx context.Context, report SweepReport)

// SweepOutcome is returned by SweepIfDue.
type SweepOutcome struct {
	Ran       bool
	Cancelled int
}

// SweepStatus is a snapshot of the sweeper's bookkeeping in this process.
type SweepStatus struct {
	LastSweepAt    time.Time
	LastSweepCount int
	TotalSwept     int64
	Runs           int64
	MinInterval    time.Duration
	NextEligibleAt time.Time
	Running        bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepThrottle replaces the default process-local throttle.
func WithSweepThrottle(throttle SweepThrottle) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.throttle = throttle
	}
}

// WithSweepMinInterval sets the minimum spacing enforced by SweepIfDue.
func WithSweepMinInterval(interval time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.minInterval = interval
	}
}

// WithSweepBatchSize sets how many expired reservations are loaded per query.
func WithSweepBatchSize(size int) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.batchSize = size
	}
}

// WithSweepInterval sets the background loop period used by Start.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.interval = interval
	}
}

// WithSweepTicks drives the background loop from ticks instead of a ticker.
func WithSweepTicks(ticks <-chan time.Time) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.ticks = ticks
	}
}

// WithSweepObserver adds an observer notified after each run.
func WithSweepObserver(observer SweepObserver) SweeperOption {
	return func(sweeper *Sweeper) {
		if observer != nil {
			sweeper.observers = append(sweeper.observers, observer)
		}
	}
}

// Sweeper cancels pending reservations whose deadline has passed.
type Sweeper struct {
	store       Store
	nowFn       func() time.Time
	throttle    SweepThrottle
	minInterval time.Duration
	batchSize   int
	interval    time.Duration
	ticks       <-chan time.Time
	observers   []SweepObserver

	mutex  sync.Mutex
	status SweepStatus

	trigger   chan struct{}
	stop      chan struct{}
	waitGroup sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSweeper wires a Sweeper.
func NewSweeper(store Store, now func() time.Time, options ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	sweeper := &Sweeper{
		store:     store,
		nowFn:     now,
		throttle:  &LocalSweepThrottle{},
		batchSize: defaultSweepBatchSize,
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	if sweeper.throttle == nil {
		return nil, fmt.Errorf("%w: sweep throttle is nil", ErrInvalidServiceConfig)
	}
	if sweeper.batchSize <= 0 {
		return nil, fmt.Errorf("%w: sweep batch size must be positive", ErrInvalidServiceConfig)
	}
	if sweeper.minInterval < 0 {
		return nil, fmt.Errorf("%w: sweep min interval must not be negative", ErrInvalidServiceConfig)
	}
	sweeper.status.MinInterval = sweeper.minInterval
	return sweeper, nil
}

// SweepExpired cancels every pending reservation past its deadline using the same
// compare-and-set as Confirm, so it never overrides a confirmation. It returns the
// number of reservations this call cancelled.
func (sweeper *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	return sweeper.run(ctx, false)
}

// ForceSweep runs a sweep regardless of throttling.
func (sweeper *Sweeper) ForceSweep(ctx context.Context) (int, error) {
	return sweeper.run(ctx, true)
}

// SweepIfDue runs a sweep only if minInterval has elapsed since the last one
// admitted by the throttle. A non-positive minInterval uses the configured one.
func (sweeper *Sweeper) SweepIfDue(ctx context.Context, minInterval time.Duration) (SweepOutcome, error) {
	if minInterval <= 0 {
		minInterval = sweeper.minInterval
	}
	acquired, err := sweeper.throttle.Acquire(ctx, sweeper.nowFn(), minInterval)
	if err != nil {
		return SweepOutcome{}, err
	}
	if !acquired {
		return SweepOutcome{}, nil
	}
	cancelled, err := sweeper.run(ctx, false)
	if err != nil {
		return SweepOutcome{Ran: true, Cancelled: cancelled}, err
	}
	return SweepOutcome{Ran: true, Cancelled: cancelled}, nil
}

// Status returns the sweep bookkeeping of this process.
func (sweeper *Sweeper) Status() SweepStatus {
	sweeper.mutex.Lock()
	defer sweeper.mutex.Unlock()
	status := sweeper.status
	if !status.LastSweepAt.IsZero() {
		status.NextEligibleAt = status.LastSweepAt.Add(status.MinInterval)
	}
	return status
}

// PurgeOld deletes terminal reservations last updated before now minus olderThan.
// Pending reservations are never removed.
func (sweeper *Sweeper) PurgeOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrValidation)
	}
	return sweeper.store.PurgeReservations(ctx, sweeper.nowFn().Add(-olderThan))
}

func (sweeper *Sweeper) run(ctx context.Context, forced bool) (int, error) {
	startedAt := sweeper.nowFn()
	sweeper.mutex.Lock()
	sweeper.status.Running = true
	sweeper.mutex.Unlock()

	cancelled, err := sweeper.sweepBatches(ctx, startedAt)

	sweeper.mutex.Lock()
	sweeper.status.Running = false
	sweeper.status.LastSweepAt = startedAt
	sweeper.status.LastSweepCount = cancelled
	sweeper.status.TotalSwept += int64(cancelled)
	sweeper.status.Runs++
	sweeper.mutex.Unlock()

	report := SweepReport{
		Cancelled: cancelled,
		Forced:    forced,
		StartedAt: startedAt,
		Duration:  sweeper.nowFn().Sub(startedAt),
		Err:       err,
	}
	for _, observer := range sweeper.observers {
		observer(ctx, report)
	}
	return cancelled, err
}

func (sweeper *Sweeper) sweepBatches(ctx context.Context, now time.Time) (int, error) {
	cancelled := 0
	for {
		if err := ctx.Err(); err != nil {
			return cancelled, err
		}
		batch, err := sweeper.store.ListExpiredPending(ctx, now, sweeper.batchSize)
		if err != nil {
			return cancelled, err
		}
		batchCancelled := 0
		for _, reservation := range batch {
			changed, err := sweeper.store.TransitionReservation(ctx, ReservationTransition{
				UserID:        reservation.UserID,
				ReservationID: reservation.ID,
				From:          ReservationStatusPending,
				To:            ReservationStatusCancelled,
				CancelReason:  CancelReasonExpired,
				At:            now,
			})
			if err != nil {
				return cancelled, err
			}
			if changed {
				batchCancelled++
			}
		}
		cancelled += batchCancelled
		// A full batch where nothing changed means another sweeper owns these rows.
		if len(batch) < sweeper.batchSize || batchCancelled == 0 {
			return cancelled, nil
		}
	}
}

// Start runs the background loop until ctx is done or Stop is called. Each tick
// calls SweepIfDue; Trigger forces a sweep.
func (sweeper *Sweeper) Start(ctx context.Context) {
	if sweeper == nil {
		return
	}
	sweeper.startOnce.Do(func() {
		sweeper.waitGroup.Add(1)
		go sweeper.loop(ctx)
	})
}

// Stop ends the background loop and waits for an in-flight sweep.
func (sweeper *Sweeper) Stop() {
	if sweeper == nil {
		return
	}
	sweeper.stopOnce.Do(func() {
		close(sweeper.stop)
		sweeper.waitGroup.Wait()
	})
}

// Trigger asks the background loop for a forced sweep.
func (sweeper *Sweeper) Trigger() {
	if sweeper == nil {
		return
	}
	select {
	case sweeper.trigger <- struct{}{}:
	default:
	}
}

func (sweeper *Sweeper) loop(ctx context.Context) {
	defer sweeper.waitGroup.Done()

	ticks := sweeper.ticks
	if ticks == nil && sweeper.interval > 0 {
		ticker := time.NewTicker(sweeper.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweeper.stop:
			return
		case <-sweeper.trigger:
			_, _ = sweeper.ForceSweep(ctx)
		case <-ticks:
			_, _ = sweeper.SweepIfDue(ctx, 0)
		}
	}
}
