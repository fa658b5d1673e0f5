// Package poller is the client-side status loop that runs after a
// transaction is created. It queries order status on a timer until the
// order reaches a terminal state, and triggers activation at most once per
// payment.
package poller

import (
	"context"
	"math"
	"sync"
	"time"

	"journal-billing/internal/models"
	"journal-billing/pkg/logging"
)

const (
	MaxAttempts  = 40
	BaseInterval = 2 * time.Second
	MaxInterval  = 10 * time.Second

	// attempts polled at BaseInterval before the interval starts growing
	fixedAttempts = 10
	growthFactor  = 1.5
)

// Status is the terminal state of a Run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusCancelled Status = "cancelled" // closed or revoked by the gateway
	StatusTimedOut  Status = "timed_out"
	StatusAborted   Status = "aborted" // Cancel or context cancellation
)

// TradeStatus is one answer of the status endpoint.
type TradeStatus struct {
	TradeState    string `json:"trade_state"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"` // minor units, zero when unknown
}

type StatusQuerier interface {
	QueryStatus(ctx context.Context, outTradeNo string) (TradeStatus, error)
}

type Activator interface {
	Activate(ctx context.Context, outTradeNo string, st TradeStatus) error
}

// Outcome summarises a finished Run.
type Outcome struct {
	Status        Status
	Attempts      int
	TransactionID string
	Activated     bool  // this Run triggered the activation
	Err           error // activation error or context error
}

// Timer is the subset of *time.Timer the loop needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

func newRealTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

// NextInterval returns the delay before the given attempt (1-based).
func NextInterval(attempt, consecutiveErrors int) time.Duration {
	d := BaseInterval
	if attempt > fixedAttempts {
		grown := float64(BaseInterval) * math.Pow(growthFactor, float64(attempt-fixedAttempts))
		d = time.Duration(math.Min(grown, float64(MaxInterval)))
	}
	for i := 0; i < consecutiveErrors && d < MaxInterval; i++ {
		d *= 2
	}
	if d > MaxInterval {
		d = MaxInterval
	}
	return d
}

type Poller struct {
	outTradeNo  string
	querier     StatusQuerier
	activator   Activator
	processed   *ProcessedSet
	maxAttempts int
	newTimer    func(time.Duration) Timer
	onAttempt   func(attempt int, st TradeStatus, err error)

	mu     sync.Mutex
	timer  Timer
	done   chan struct{}
	cancel sync.Once
}

// New builds a poller for one order. processed may be shared between
// pollers; nil gets a private set.
func New(outTradeNo string, querier StatusQuerier, activator Activator, processed *ProcessedSet) *Poller {
	if processed == nil {
		processed = NewProcessedSet()
	}
	return &Poller{
		outTradeNo:  outTradeNo,
		querier:     querier,
		activator:   activator,
		processed:   processed,
		maxAttempts: MaxAttempts,
		newTimer:    newRealTimer,
		done:        make(chan struct{}),
	}
}

// WithTimer replaces the timer factory; used by tests.
func (p *Poller) WithTimer(newTimer func(time.Duration) Timer) *Poller {
	p.newTimer = newTimer
	return p
}

// WithMaxAttempts overrides MaxAttempts.
func (p *Poller) WithMaxAttempts(n int) *Poller {
	p.maxAttempts = n
	return p
}

// OnAttempt registers a progress callback invoked after every query.
func (p *Poller) OnAttempt(fn func(attempt int, st TradeStatus, err error)) *Poller {
	p.onAttempt = fn
	return p
}

// Cancel stops the loop and clears the pending timer. It is idempotent and
// safe to call at any time, including from an Activator.
func (p *Poller) Cancel() {
	p.cancel.Do(func() {
		close(p.done)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) cancelled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Run polls until a terminal outcome. It runs on the caller's goroutine.
func (p *Poller) Run(ctx context.Context) Outcome {
	consecutiveErrors := 0

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if out, stop := p.wait(ctx, NextInterval(attempt, consecutiveErrors)); stop {
			out.Attempts = attempt - 1
			return out
		}

		st, err := p.querier.QueryStatus(ctx, p.outTradeNo)
		if p.onAttempt != nil {
			p.onAttempt(attempt, st, err)
		}
		if p.cancelled() {
			return Outcome{Status: StatusAborted, Attempts: attempt}
		}
		if err != nil {
			consecutiveErrors++
			logging.Warnf("Status query failed - out_trade_no: %s, attempt: %d, consecutive_errors: %d, error: %v",
				p.outTradeNo, attempt, consecutiveErrors, err)
			continue
		}
		consecutiveErrors = 0

		switch st.TradeState {
		case models.TradeStateSuccess:
			out := p.succeed(ctx, st)
			out.Attempts = attempt
			return out
		case models.TradeStateClosed, models.TradeStateRevoked:
			logging.Infof("Order closed by gateway - out_trade_no: %s, trade_state: %s", p.outTradeNo, st.TradeState)
			return Outcome{Status: StatusCancelled, Attempts: attempt}
		}
	}

	logging.Warnf("Status polling timed out - out_trade_no: %s, attempts: %d", p.outTradeNo, p.maxAttempts)
	return Outcome{Status: StatusTimedOut, Attempts: p.maxAttempts}
}

func (p *Poller) succeed(ctx context.Context, st TradeStatus) Outcome {
	out := Outcome{Status: StatusSucceeded, TransactionID: st.TransactionID}

	if !p.processed.MarkOnce(p.outTradeNo, st.TransactionID) {
		logging.Infof("Payment already processed - out_trade_no: %s, transaction: %s", p.outTradeNo, st.TransactionID)
		return out
	}

	if err := p.activator.Activate(ctx, p.outTradeNo, st); err != nil {
		// a later Run sharing this set may try again
		p.processed.Forget(p.outTradeNo, st.TransactionID)
		logging.Errorf("Activation failed - out_trade_no: %s, transaction: %s, error: %v", p.outTradeNo, st.TransactionID, err)
		out.Err = err
		return out
	}

	out.Activated = true
	return out
}

// wait sleeps for d unless cancelled first.
func (p *Poller) wait(ctx context.Context, d time.Duration) (Outcome, bool) {
	p.mu.Lock()
	if p.cancelled() {
		p.mu.Unlock()
		return Outcome{Status: StatusAborted}, true
	}
	timer := p.newTimer(d)
	p.timer = timer
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.timer == timer {
			p.timer = nil
		}
		p.mu.Unlock()
	}()

	select {
	case <-timer.C():
		return Outcome{}, false
	case <-p.done:
		timer.Stop()
		return Outcome{Status: StatusAborted}, true
	case <-ctx.Done():
		timer.Stop()
		return Outcome{Status: StatusAborted, Err: ctx.Err()}, true
	}
}
