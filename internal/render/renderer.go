package render

import (
	"context"
	"errors"
	"image/color"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/BobSimons/erddap-sub000/internal/logging"
	"github.com/BobSimons/erddap-sub000/internal/metrics"
	"github.com/BobSimons/erddap-sub000/internal/rendercache"
)

// Map is a fully resolved map request.
type Map struct {
	BBox       orb.Bound
	Width      int
	Height     int
	Background color.NRGBA
	Layers     []Layer
}

// Compose draws the layers in order onto a canvas filled with the
// background color.
func Compose(ctx context.Context, m Map) (*Canvas, error) {
	c := NewCanvas(m.Width, m.Height, m.BBox, m.Background)
	for _, l := range m.Layers {
		if err := l.Draw(ctx, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Render composes m and encodes it as PNG.
func Render(ctx context.Context, m Map) ([]byte, error) {
	start := time.Now()
	c, err := Compose(ctx, m)
	if err != nil {
		return nil, err
	}
	b, err := c.PNG()
	metrics.RenderDuration.Observe(time.Since(start).Seconds())
	return b, err
}

// Renderer produces images through the render cache. Identical concurrent
// misses share one render.
type Renderer struct {
	cache rendercache.Store
	group singleflight.Group
	log   zerolog.Logger
}

// NewRenderer returns a renderer caching into cache.
func NewRenderer(cache rendercache.Store) *Renderer {
	return &Renderer{cache: cache, log: logging.With("render")}
}

// Cached returns the bytes cached under key, or calls produce, stores the
// result and returns it. Entries shared across datasets (shared=true) get
// their last-used time refreshed on a hit so the age sweep keeps them.
// A failed cache write is logged; the image is still returned.
func (r *Renderer) Cached(ctx context.Context, key rendercache.Key, shared bool, produce func(context.Context) ([]byte, error)) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if b, err := r.cache.Get(key); err == nil {
		metrics.RenderCache.WithLabelValues("hit").Inc()
		if shared {
			if err := r.cache.Touch(key); err != nil {
				r.log.Debug().Err(err).Str("key", key.String()).Msg("touching cache entry failed")
			}
		}
		return b, nil
	} else if !errors.Is(err, rendercache.ErrNotFound) {
		r.log.Warn().Err(err).Str("key", key.String()).Msg("reading cache entry failed; rendering")
	}

	metrics.RenderCache.WithLabelValues("miss").Inc()
	// the shared render must not die with whichever caller started it
	rctx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		b, err := produce(rctx)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Put(key, b); err != nil {
			r.log.Warn().Err(err).Str("key", key.String()).Msg("writing cache entry failed")
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
