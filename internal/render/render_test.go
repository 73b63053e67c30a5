package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/rendercache"
)

func steps(lo, hi, step float64) []float64 {
	var out []float64
	for v := lo; v <= hi+step/2; v += step {
		out = append(out, v)
	}
	return out
}

// testGrid returns ds1: time × latitude × longitude over [-20, 20] at one
// degree, where temp equals the latitude and is missing east of 15°E.
func testGrid(t *testing.T) *dataset.Dataset {
	t.Helper()
	t0, err := dataset.ParseTime("2020-01-01")
	require.NoError(t, err)
	axes := []dataset.Axis{
		{Name: "time", Values: []float64{t0, t0 + 86400}},
		{Name: "latitude", Units: "degrees_north", Values: steps(-20, 20, 1)},
		{Name: "longitude", Units: "degrees_east", Values: steps(-20, 20, 1)},
	}
	ds, err := dataset.New(dataset.Config{
		ID:   "ds1",
		Kind: dataset.Grid,
		Axes: axes,
		Variables: []dataset.Variable{
			{Name: "temp", Attributes: dataset.NewAttributes(map[string]any{
				"colorBarMinimum": -20.0,
				"colorBarMaximum": 20.0,
			})},
			{Name: "flag"},
		},
		Grid: &dataset.FuncGrid{Axes: axes, Func: map[string]func([]float64) float64{
			"temp": func(c []float64) float64 {
				if c[2] > 15 {
					return math.NaN()
				}
				return c[1]
			},
		}},
	})
	require.NoError(t, err)
	return ds
}

var world = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

func TestResolveDataLayer(t *testing.T) {
	ds := testGrid(t)
	bbox := orb.Bound{Min: orb.Point{-20, -20}, Max: orb.Point{20, 20}}

	l, err := ResolveDataLayer(ds, "temp", bbox, 10, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, dataset.Single(1), l.Ranges[0], "omitted time selects the last index")
	assert.Equal(t, dataset.IndexRange{Start: 0, Stride: 1, Stop: 40}, l.Ranges[1])
	lon := l.Ranges[2]
	assert.Equal(t, 5, lon.Stride)
	assert.LessOrEqual(t, lon.Count(), 10)
	assert.Equal(t, "ds1:temp", l.Name())

	l, err = ResolveDataLayer(ds, "temp", bbox, 100, 100, Dimensions{"time": "2020-01-01T00:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, dataset.Single(0), l.Ranges[0])

	l, err = ResolveDataLayer(ds, "temp", bbox, 100, 100, Dimensions{"time": "current"})
	require.NoError(t, err)
	assert.Equal(t, dataset.Single(1), l.Ranges[0])
}

func TestResolveDataLayerSkips(t *testing.T) {
	ds := testGrid(t)
	inside := orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}}

	_, err := ResolveDataLayer(ds, "temp", inside, 100, 100, Dimensions{"time": "1990-01-01"})
	assert.ErrorIs(t, err, ErrSkipLayer)

	outside := orb.Bound{Min: orb.Point{100, -10}, Max: orb.Point{120, 10}}
	_, err = ResolveDataLayer(ds, "temp", outside, 100, 100, nil)
	assert.ErrorIs(t, err, ErrSkipLayer)
}

func TestResolveDataLayerErrors(t *testing.T) {
	ds := testGrid(t)
	bbox := orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}}

	tests := []struct {
		name     string
		variable string
		dims     Dimensions
	}{
		{"unknown variable", "salinity", nil},
		{"no color bar", "flag", nil},
		{"bad time", "temp", Dimensions{"time": "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveDataLayer(ds, tt.variable, bbox, 10, 10, tt.dims)
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.KindBadRequest), "got %v", err)
		})
	}
}

func TestComposeExampleMap(t *testing.T) {
	ds := testGrid(t)
	base, err := DefaultBasemap()
	require.NoError(t, err)
	bbox := orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}}

	land, err := NewCartoLayer(LayerLand, base)
	require.NoError(t, err)
	coast, err := NewCartoLayer(LayerCoastlines, base)
	require.NoError(t, err)
	data, err := ResolveDataLayer(ds, "temp", bbox, 100, 50, nil)
	require.NoError(t, err)

	bg := rgb(0xffffff)
	c, err := Compose(context.Background(), Map{
		BBox: bbox, Width: 100, Height: 50, Background: bg,
		Layers: []Layer{land, data, coast},
	})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 100, 50), c.Img.Bounds())

	// pixel (50,25) is lon 0.1, lat -0.2: nearest sample is latitude 0
	assert.Equal(t, data.colors.At(0), c.Img.NRGBAAt(50, 25))
	for _, p := range []image.Point{{0, 0}, {99, 49}, {10, 40}} {
		assert.Equal(t, uint8(0xff), c.Img.NRGBAAt(p.X, p.Y).A, "opaque at %v", p)
	}

	b, err := c.PNG()
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestMissingValuesAreTransparent(t *testing.T) {
	ds := testGrid(t)
	bbox := orb.Bound{Min: orb.Point{10, -5}, Max: orb.Point{20, 5}}
	data, err := ResolveDataLayer(ds, "temp", bbox, 20, 20, nil)
	require.NoError(t, err)

	bg := Background(rgb(0x123456), true)
	c, err := Compose(context.Background(), Map{BBox: bbox, Width: 20, Height: 20, Background: bg, Layers: []Layer{data}})
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{}, c.Img.NRGBAAt(18, 10), "lon 19.25 is missing")
	assert.Equal(t, uint8(0xff), c.Img.NRGBAAt(2, 10).A, "lon 11.25 has data")
}

func TestBasemapLayers(t *testing.T) {
	base, err := DefaultBasemap()
	require.NoError(t, err)
	assert.NotEmpty(t, base.Land)
	assert.NotEmpty(t, base.LakesRivers)
	assert.NotEmpty(t, base.Nations)
	assert.NotEmpty(t, base.States)

	bg := rgb(0xffffff)
	land, _ := NewCartoLayer(LayerLand, base)
	c := NewCanvas(360, 180, world, bg)
	require.NoError(t, land.Draw(context.Background(), c))
	at := func(lon, lat float64) color.NRGBA {
		x, y := c.Project(orb.Point{lon, lat})
		return c.Img.NRGBAAt(int(x), int(y))
	}
	assert.Equal(t, landColor, at(20, 0), "central Africa is land")
	assert.Equal(t, bg, at(-30, 0), "mid Atlantic is water")

	pacific := orb.Bound{Min: orb.Point{0, -90}, Max: orb.Point{360, 90}}
	c = NewCanvas(360, 180, pacific, bg)
	require.NoError(t, land.Draw(context.Background(), c))
	x, y := c.Project(orb.Point{260, 40})
	assert.Equal(t, landColor, c.Img.NRGBAAt(int(x), int(y)), "North America wraps onto 0..360 maps")

	_, err = NewCartoLayer("Roads", base)
	assert.Error(t, err)
	assert.True(t, IsCartographic("LakesAndRivers"))
	assert.False(t, IsCartographic("land"))
}

func TestStrokeLineDrawsThinLine(t *testing.T) {
	bg := rgb(0xffffff)
	c := NewCanvas(100, 100, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}}, bg)
	c.StrokeLine(orb.LineString{{0, 50.5}, {100, 50.5}}, 1, color.Black)
	assert.NotEqual(t, bg, c.Img.NRGBAAt(50, 49))
	assert.Equal(t, bg, c.Img.NRGBAAt(50, 40))
	assert.Equal(t, bg, c.Img.NRGBAAt(50, 60))
}

func TestBlankAndMessage(t *testing.T) {
	bg := rgb(0x00ff00)
	b, err := Blank(64, 32, bg)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 32), img.Bounds())
	r, g, _, _ := img.At(10, 10).RGBA()
	assert.Equal(t, uint32(0), r)
	assert.Equal(t, uint32(0xffff), g)

	b, err = Message(200, 50, bg, "Query error: layers=nope is not a valid layer name.")
	require.NoError(t, err)
	img, err = png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 50), img.Bounds())
	dark := 0
	for y := 0; y < 50; y++ {
		for x := 0; x < 200; x++ {
			if _, g, _, _ := img.At(x, y).RGBA(); g < 0x8000 {
				dark++
			}
		}
	}
	assert.Positive(t, dark, "message text is drawn")
}

func TestWrapWords(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want []string
	}{
		{"short", 10, []string{"short"}},
		{"a bb ccc dddd", 6, []string{"a bb", "ccc", "dddd"}},
		{"abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"one\ntwo", 20, []string{"one", "two"}},
		{"", 5, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wrapWords(tt.in, tt.n), "wrap %q", tt.in)
	}
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("0xFF8000")
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 0xff, G: 0x80, B: 0, A: 0xff}, c)
	c, err = ParseColor("#000080")
	require.NoError(t, err)
	assert.Equal(t, uint8(0x80), c.B)
	for _, bad := range []string{"", "0xFFF", "0xGG0000", "red"} {
		_, err := ParseColor(bad)
		assert.Error(t, err, bad)
	}
}

func TestColorMap(t *testing.T) {
	m, err := NewColorMap(&dataset.ColorBar{Min: 0, Max: 10, Palette: "Grayscale", Scale: "Linear", Continuous: true})
	require.NoError(t, err)
	assert.Equal(t, rgb(0x000000), m.At(-5), "clamped below")
	assert.Equal(t, rgb(0xffffff), m.At(10))
	assert.Equal(t, uint8(128), m.At(5).R)

	stepped, err := NewColorMap(&dataset.ColorBar{Min: 0, Max: 10, Palette: "Grayscale", NSections: 2})
	require.NoError(t, err)
	assert.Equal(t, stepped.At(0.1), stepped.At(4.9), "same section, same color")
	assert.NotEqual(t, stepped.At(4.9), stepped.At(5.1))

	logm, err := NewColorMap(&dataset.ColorBar{Min: 1, Max: 100, Palette: "Grayscale", Scale: "Log", Continuous: true})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, logm.Fraction(10), 1e-9)

	_, err = NewColorMap(&dataset.ColorBar{Min: 0, Max: 100, Scale: "Log"})
	assert.Error(t, err)

	fallback, err := NewColorMap(&dataset.ColorBar{Min: 0, Max: 1, Palette: "NoSuchPalette", Continuous: true})
	require.NoError(t, err)
	assert.Equal(t, palettes["rainbow"][0], fallback.At(0))
}

func TestRendererCachesAndTouchesShared(t *testing.T) {
	store := rendercache.NewMemoryStore()
	r := NewRenderer(store)
	key := rendercache.Key{Dir: "ds1", Name: "wms_abc.png"}

	calls := 0
	produce := func(context.Context) ([]byte, error) {
		calls++
		return []byte("png bytes"), nil
	}
	b1, err := r.Cached(context.Background(), key, false, produce)
	require.NoError(t, err)
	b2, err := r.Cached(context.Background(), key, false, produce)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.Equal(t, 1, calls)

	shared := rendercache.Key{Dir: "_wms/Land", Name: "wms_def.png"}
	_, err = r.Cached(context.Background(), shared, true, produce)
	require.NoError(t, err)
	n, err := store.Sweep(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = r.Cached(context.Background(), shared, true, produce)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRendererDoesNotCacheFailures(t *testing.T) {
	store := rendercache.NewMemoryStore()
	r := NewRenderer(store)
	key := rendercache.Key{Dir: "ds1", Name: "x.png"}
	boom := failure.Retryable("ds1", errors.New("file changed"))

	_, err := r.Cached(context.Background(), key, false, func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, store.Stats().Entries)

	_, err = r.Cached(context.Background(), rendercache.Key{Dir: "../x", Name: "y"}, false, nil)
	assert.Error(t, err)
}

func TestRendererCoalescesConcurrentMisses(t *testing.T) {
	r := NewRenderer(rendercache.NewMemoryStore())
	key := rendercache.Key{Dir: "ds1", Name: "slow.png"}
	release := make(chan struct{})
	var calls atomic.Int32

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := r.Cached(context.Background(), key, false, func(context.Context) ([]byte, error) {
				calls.Add(1)
				<-release
				return []byte("rendered"), nil
			})
			assert.NoError(t, err)
			results[i] = b
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, b := range results {
		assert.Equal(t, []byte("rendered"), b)
	}
}
