package dispatch

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/logging"
	"github.com/BobSimons/erddap-sub000/internal/metrics"
)

// Reloader is asked to rebuild a dataset as soon as possible.
type Reloader interface {
	RequestReload(datasetID string)
}

// Attempt describes one dataset-bound request so it can be re-run
// against a replacement dataset.
type Attempt struct {
	// DatasetID is the dataset the request is bound to.
	DatasetID string
	// Lookup resolves DatasetID against the current registry snapshot.
	Lookup func() (*dataset.Dataset, bool)
	// Authorize re-checks access for the caller against a replacement.
	Authorize func(ds *dataset.Dataset) error
	// Serve produces the response from ds.
	Serve func(ctx context.Context, ds *dataset.Dataset) error
}

// Retrier runs dataset-bound requests and implements the hot-reload
// retry: when Serve reports that its dataset changed underneath it, the
// retrier waits (without holding any lock) for the reload coordinator to
// publish a replacement and re-runs the request once against it.
//
// State machine for a Retryable result:
//
//	response started? ── yes ──▶ return original error
//	        │ no
//	        ▼
//	RequestReload(id); tick = 0
//	        │
//	        ▼
//	┌─▶ wait one tick ── canceled ──▶ return original error
//	│       │
//	│   current generation == original? ── yes ──┐
//	│       │ no                                 │
//	│   Authorize ── denied ──▶ return denial    │
//	│       │                                    │
//	│   Serve(replacement) ── error ──▶ return original error
//	│       │ ok                                 │
//	│   return nil                               │
//	│                                            │
//	└──── tick < Ticks ◀─────────────────────────┘
//	        │ bound reached
//	        ▼
//	return original error
type Retrier struct {
	ticks    int
	tick     time.Duration
	reloader Reloader
	sleep    func(ctx context.Context, d time.Duration) error
	log      zerolog.Logger
}

// NewRetrier returns a retrier polling ticks times, tick apart.
// reloader may be nil.
//
// Parameters:
//   - ticks: maximum number of polls (30 in production)
//   - tick: time between polls (one second in production)
//   - reloader: asked to rebuild the dataset before waiting
func NewRetrier(ticks int, tick time.Duration, reloader Reloader) *Retrier {
	if ticks < 1 {
		ticks = 1
	}
	return &Retrier{
		ticks:    ticks,
		tick:     tick,
		reloader: reloader,
		sleep:    sleepContext,
		log:      logging.With("dispatch"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run serves the request from ds and, if the result is Retryable, applies
// the retry protocol. w is the writer Serve writes to; it is consulted only
// to see whether the response has started.
func (r *Retrier) Run(ctx context.Context, w http.ResponseWriter, ds *dataset.Dataset, a Attempt) error {
	err := a.Serve(ctx, ds)
	if Classify(err).Status != Retryable {
		return err
	}
	return r.retry(ctx, w, ds.Generation, a, err)
}

func (r *Retrier) retry(ctx context.Context, w http.ResponseWriter, generation uint64, a Attempt, original error) error {
	log := r.log.With().Str("dataset", a.DatasetID).Uint64("generation", generation).Logger()

	if Started(w) {
		log.Warn().Err(original).Msg("dataset changed after the response started; cannot retry")
		metrics.Retries.WithLabelValues("started").Inc()
		return original
	}
	if r.reloader != nil {
		r.reloader.RequestReload(a.DatasetID)
	}

	for tick := 1; tick <= r.ticks; tick++ {
		if err := r.sleep(ctx, r.tick); err != nil {
			metrics.Retries.WithLabelValues("canceled").Inc()
			return original
		}
		ds, ok := a.Lookup()
		if !ok || ds.Generation == generation {
			continue
		}

		log.Debug().Int("tick", tick).Uint64("new_generation", ds.Generation).Msg("dataset replaced; retrying")
		if a.Authorize != nil {
			if err := a.Authorize(ds); err != nil {
				metrics.Retries.WithLabelValues("denied").Inc()
				return err
			}
		}
		if err := a.Serve(ctx, ds); err != nil {
			log.Info().Err(err).Msg("retry against replacement failed")
			metrics.Retries.WithLabelValues("redo_failed").Inc()
			return original
		}
		metrics.Retries.WithLabelValues("redone").Inc()
		return nil
	}

	log.Warn().Int("ticks", r.ticks).Msg("dataset not replaced within the retry bound")
	metrics.Retries.WithLabelValues("timeout").Inc()
	return original
}
