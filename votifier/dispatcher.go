package votifier

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jellypudding/simplevote/types"
	"github.com/jellypudding/simplevote/utilities"
	"github.com/sirupsen/logrus"
)

// ackLine is written back after a vote has been queued.
var ackLine = []byte("{\"status\":\"ok\"}\r\n")

// ErrDispatcherStopped is returned by Deliver after Stop.
var ErrDispatcherStopped = errors.New("vote dispatcher stopped")

// VoteHandler credits a vote. It is only ever called from the
// dispatcher's single goroutine, so implementations need not be reentrant.
type VoteHandler interface {
	HandleVote(ctx context.Context, vote types.Vote) error
}

// VoteHandlerFunc adapts a function to VoteHandler.
type VoteHandlerFunc func(ctx context.Context, vote types.Vote) error

func (f VoteHandlerFunc) HandleVote(ctx context.Context, vote types.Vote) error {
	return f(ctx, vote)
}

// Dispatcher is a single-consumer queue between connection workers and the
// reward handler. Workers enqueue; one goroutine applies votes in order.
type Dispatcher struct {
	handler VoteHandler
	metrics *Metrics
	queue   chan types.Vote

	mu      sync.RWMutex
	stopped bool

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownCh chan struct{}
	doneCh     chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewDispatcher creates a dispatcher with room for queueSize pending votes.
func NewDispatcher(handler VoteHandler, queueSize int, metrics *Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler:    handler,
		metrics:    metrics,
		queue:      make(chan types.Vote, queueSize),
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Deliver queues the vote and acknowledges it on ack. Write errors on the
// acknowledgement are ignored: sites treat the vote as sent either way.
func (d *Dispatcher) Deliver(vote types.Vote, ack io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.queue <- vote:
	default:
		return ErrQueueFull
	}

	if ack != nil {
		if _, err := ack.Write(ackLine); err != nil {
			logrus.Debugf("failed to send OK response: %v", err)
		}
	}
	return nil
}

// Pending returns the number of queued votes.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Stop refuses new votes, lets the consumer drain what is queued for up to
// grace, then cancels the handler context and returns.
func (d *Dispatcher) Stop(grace time.Duration) {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.shutdownCh)

		// Start after Stop still drains whatever was queued.
		d.startOnce.Do(func() {
			go d.run()
		})

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-d.doneCh:
		case <-timer.C:
			if n := len(d.queue); n > 0 {
				logrus.Warnf("vote dispatcher stopped with %d votes still queued", n)
			}
		}
		d.cancel()
	})
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case vote := <-d.queue:
			d.apply(vote)
		case <-d.shutdownCh:
			for {
				select {
				case vote := <-d.queue:
					d.apply(vote)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) apply(vote types.Vote) {
	defer func() {
		if err := utilities.RecoverAndReport(recover(), "vote handler"); err != nil {
			d.metrics.dispatchFailed()
		}
	}()

	if err := d.handler.HandleVote(d.ctx, vote); err != nil {
		d.metrics.dispatchFailed()
		logrus.WithError(err).WithFields(logrus.Fields{
			"username": vote.Username,
			"service":  vote.ServiceName,
		}).Error("failed to apply vote")
		return
	}
	logrus.Infof("🗳️  processed vote from %s (from %s)", vote.Username, vote.ServiceName)
}
