package pipeline

import (
	"context"
	"time"

	"github.com/Iron-Ham/cadence/internal/drift"
	"github.com/Iron-Ham/cadence/internal/drift/observer"
	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/logging"
)

// Observer watches the work tree while implementation runs. Run calls stop
// at most once, when drift becomes severe enough to abandon the phase.
type Observer interface {
	Run(ctx context.Context, stop func(drift.Assessment)) error
}

// ObserverFactory creates an observer for one implementation attempt.
type ObserverFactory func(root string, expected []string) (Observer, error)

// FSObserverFactory returns a factory backed by the fsnotify observer.
func FSObserverFactory(classifier *drift.Classifier, debounce time.Duration, ignore []string, logger *logging.Logger) ObserverFactory {
	return func(root string, expected []string) (Observer, error) {
		o, err := observer.New(root, expected, observer.Config{
			Classifier: classifier,
			Debounce:   debounce,
			Ignore:     ignore,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return o, nil
	}
}

// Option configures a Controller.
type Option func(*controllerOptions)

type controllerOptions struct {
	logger   *logging.Logger
	bus      *event.Bus
	observer ObserverFactory
}

// WithLogger sets the controller's logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *controllerOptions) {
		o.logger = l
	}
}

// WithBus publishes pipeline events on b.
func WithBus(b *event.Bus) Option {
	return func(o *controllerOptions) {
		o.bus = b
	}
}

// WithObserver runs an early-stop observer alongside every implementation
// invocation.
func WithObserver(f ObserverFactory) Option {
	return func(o *controllerOptions) {
		o.observer = f
	}
}
