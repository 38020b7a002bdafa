package participant

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// JanitorConfig controls periodic stale cleanup.
type JanitorConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
	Pattern  string
}

// Janitor rolls back stale prepared transactions on a fixed interval.
type Janitor struct {
	scanner *Scanner
	config  JanitorConfig
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewJanitor(scanner *Scanner, config JanitorConfig) *Janitor {
	return &Janitor{scanner: scanner, config: config}
}

// Start launches the cleanup loop. Calling Start twice is a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.wg.Add(1)
	go j.loop(j.stopCh)

	log.Info().
		Dur("interval", j.config.Interval).
		Dur("max_age", j.config.MaxAge).
		Str("pattern", j.config.Pattern).
		Msg("Started prepared transaction janitor")
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopCh)
	j.mu.Unlock()

	j.wg.Wait()
}

// RunOnce performs a single cleanup pass.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	return j.scanner.Cleanup(ctx, CleanupOptions{MaxAge: j.config.MaxAge, Pattern: j.config.Pattern})
}

func (j *Janitor) loop(stop <-chan struct{}) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.pass(stop)
		case <-stop:
			return
		}
	}
}

func (j *Janitor) pass(stop <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), j.config.Interval)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := j.RunOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("Prepared transaction janitor pass failed")
	}
}
