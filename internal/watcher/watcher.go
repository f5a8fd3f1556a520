package watcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/IndenScale/monoco/internal/config"
	"github.com/IndenScale/monoco/internal/log"
)

// Watcher is one supervised watch loop. Run blocks until ctx is canceled
// or the loop fails; Supervise restarts failed loops with backoff.
type Watcher interface {
	Name() string
	Run(ctx context.Context) error
}

// BackendFactory creates a fresh Backend per Run so a restart rebuilds the
// underlying watch resources.
type BackendFactory func() (Backend, error)

// NewBackendFactory selects native or polling backends from configuration.
// A native backend that cannot be created degrades to polling rather than
// failing startup.
func NewBackendFactory(cfg config.WatchersConfig) BackendFactory {
	return func() (Backend, error) {
		if cfg.ForcePolling {
			return NewPoll(cfg.PollInterval), nil
		}
		nb, err := NewNative()
		if err != nil {
			log.Warn(log.CatWatcher, "native watch unavailable, polling instead",
				"err", err.Error())
			return NewPoll(cfg.PollInterval), nil
		}
		return nb, nil
	}
}

// Supervise runs the watcher until ctx is canceled, restarting it after
// failures with exponential backoff (1 s doubling to 30 s). A clean run
// resets the schedule.
func Supervise(ctx context.Context, w Watcher) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := w.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.ErrorErr(log.CatWatcher, "watcher failed, restarting", err, "watcher", w.Name())
		} else {
			log.Warn(log.CatWatcher, "watcher exited, restarting", "watcher", w.Name())
		}

		if time.Since(started) > bo.MaxInterval {
			bo.Reset()
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}
