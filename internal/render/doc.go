// Package render draws WMS map images.
//
// A map is a list of layers drawn in request order onto a canvas filled
// with the background color. Layers are either reserved cartographic
// layers (Land, LandMask, Coastlines, LakesAndRivers, Nations, States)
// drawn from an embedded GeoJSON basemap, or data layers: one grid
// variable sampled at the strides ResolveDataLayer computes and colored
// with the variable's color bar.
//
//	wms.GetMap ──▶ ResolveDataLayer / NewCartoLayer
//	                     │
//	                     ▼
//	Renderer.Cached(key) ── hit ──▶ cached PNG
//	     │ miss (singleflight)
//	     ▼
//	Render ──▶ Compose ──▶ Canvas.PNG ──▶ rendercache.Store.Put
//
// Failures after the image size is known are drawn into the image with
// Blank or Message, depending on the requested exception mode.
package render
