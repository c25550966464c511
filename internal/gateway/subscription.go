package gateway

import (
	"context"
	"sync"

	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/datapoint"
)

// Subscription streams batches of records. Authorisation happened when it
// was created; batches are not re-checked.
type Subscription struct {
	out    chan []datapoint.DataPoint
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func newSubscription(ctx context.Context, cancel context.CancelFunc, data <-chan []datapoint.DataPoint, errs <-chan error) *Subscription {
	s := &Subscription{
		out:    make(chan []datapoint.DataPoint),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.forward(data, errs)
	return s
}

// C yields batches until the subscription ends.
func (s *Subscription) C() <-chan []datapoint.DataPoint {
	return s.out
}

// Err reports the terminal store error, if any, once C is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the subscription and waits for it to wind down.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *Subscription) forward(data <-chan []datapoint.DataPoint, errs <-chan error) {
	defer close(s.done)
	defer close(s.out)
	defer s.cancel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				s.setErr(err)
				return
			}
		case batch, ok := <-data:
			if !ok {
				s.drainErr(errs)
				return
			}
			select {
			case s.out <- batch:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Subscription) drainErr(errs <-chan error) {
	if errs == nil {
		return
	}
	select {
	case err, ok := <-errs:
		if ok && err != nil {
			s.setErr(err)
		}
	default:
	}
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = authz.NewStorageError("watch data points", err)
	}
}
