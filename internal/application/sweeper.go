package application

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meridian-core-oauth-proxy/internal/ports"
)

// Sweeper periodically moves sessions past their TTL to expired and prunes
// terminal sessions past the retention horizon. A failed sweep is logged and
// retried on the next tick.
type Sweeper struct {
	store    ports.SessionStore
	interval time.Duration
	logger   zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewSweeper(store ports.SessionStore, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go s.loop()
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := s.store.SweepExpired(ctx, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("Session sweep failed")
		return
	}
	if count > 0 {
		sessionsSweptTotal.Add(float64(count))
		s.logger.Info().Int64("expired", count).Msg("Swept sessions past TTL")
	}
}
