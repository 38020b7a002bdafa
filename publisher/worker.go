package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tpc/notify"
	"github.com/maxpert/tpc/participant"
	"github.com/maxpert/tpc/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of attempts before an event is dropped
	DefaultMaxRetries = 10
)

// WorkerConfig configures a publisher worker
type WorkerConfig struct {
	Name            string        // Sink name
	Hub             *notify.Hub   // Event source
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Event transformer
	Filter          Filter        // Event filter
	Topic           string        // Topic prefix (e.g., "tpc.resolutions")
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum attempts per event
}

// Worker drains a hub subscription and publishes events to a sink
type Worker struct {
	config      WorkerConfig
	published   atomic.Uint64
	failed      atomic.Uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a new publisher worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("notification hub is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start subscribes to the hub and starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	events, cancel := w.config.Hub.Subscribe(notify.Filter{})

	log.Info().Str("worker", w.config.Name).Str("topic", w.config.Topic).Msg("Starting event publisher worker")

	go w.loop(events, cancel)
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().
		Str("worker", w.config.Name).
		Uint64("published", w.published.Load()).
		Uint64("failed", w.failed.Load()).
		Msg("Event publisher worker stopped")
}

// Published is the number of events delivered so far
func (w *Worker) Published() uint64 {
	return w.published.Load()
}

// Failed is the number of events dropped after exhausting retries
func (w *Worker) Failed() uint64 {
	return w.failed.Load()
}

func (w *Worker) loop(events <-chan participant.ResolutionEvent, cancel func()) {
	defer close(w.doneCh)
	defer cancel()

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.processEvent(ev)
		}
	}
}

// processEvent publishes one event. Failures are logged and the event is
// dropped; the worker keeps going.
func (w *Worker) processEvent(ev participant.ResolutionEvent) {
	if !w.config.Filter.Match(ev.Resource, ev.XID) {
		telemetry.EventsPublishedTotal.With(w.config.Name, "filtered").Inc()
		return
	}

	data, err := w.config.Transformer.Transform(ev)
	if err != nil {
		w.failed.Add(1)
		telemetry.EventsPublishedTotal.With(w.config.Name, "failed").Inc()
		log.Error().Err(err).Str("worker", w.config.Name).Str("xid", ev.XID).Msg("Failed to transform event")
		return
	}

	topic := w.buildTopic(ev)
	if err := w.publishWithRetry(topic, ev.XID, data); err != nil {
		w.failed.Add(1)
		telemetry.EventsPublishedTotal.With(w.config.Name, "failed").Inc()
		log.Error().Err(err).Str("worker", w.config.Name).Str("xid", ev.XID).Msg("Dropping resolution event")
		return
	}

	w.published.Add(1)
	telemetry.EventsPublishedTotal.With(w.config.Name, "success").Inc()
}

// buildTopic builds the topic name for an event
func (w *Worker) buildTopic(ev participant.ResolutionEvent) string {
	return fmt.Sprintf("%s.%s", w.config.Topic, ev.Outcome)
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
