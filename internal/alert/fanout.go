package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Fanout delivers every alert to all notifiers. Each notifier sits behind its
// own circuit breaker so a dead webhook does not stall the others.
type Fanout struct {
	notifiers []Notifier
	breakers  map[string]*gobreaker.CircuitBreaker
	logger    *zap.Logger
}

func NewFanout(logger *zap.Logger, notifiers ...Notifier) *Fanout {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(notifiers))
	for _, n := range notifiers {
		breakers[n.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "alert-" + n.Name(),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     5 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("alert circuit changed state",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return &Fanout{notifiers: notifiers, breakers: breakers, logger: logger}
}

func (f *Fanout) Name() string { return "fanout" }

// Notify returns nil if at least one notifier accepted the alert.
func (f *Fanout) Notify(ctx context.Context, a Alert) error {
	var (
		errs      []error
		delivered int
	)
	for _, n := range f.notifiers {
		_, err := f.breakers[n.Name()].Execute(func() (interface{}, error) {
			return nil, n.Notify(ctx, a)
		})
		if err != nil {
			f.logger.Warn("alert delivery failed", zap.String("notifier", n.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
