package router

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/BobSimons/erddap-sub000/internal/access"
	"github.com/BobSimons/erddap-sub000/internal/dap"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/logging"
	"github.com/BobSimons/erddap-sub000/internal/metrics"
	"github.com/BobSimons/erddap-sub000/internal/registry"
	"github.com/BobSimons/erddap-sub000/internal/rendercache"
)

// Protocol names in the routing table.
const (
	Griddap  = "griddap"
	Tabledap = "tabledap"
	WMS      = "wms"
	WCS      = "wcs"
	SOS      = "sos"
)

// ProtocolHandler serves every request below {base}/{protocol}/. rest is
// the path after that prefix, without a leading slash.
type ProtocolHandler interface {
	Serve(w http.ResponseWriter, r *http.Request, rest string)
}

// Config configures a Router.
type Config struct {
	// BasePath prefixes every route; "" mounts at the root.
	BasePath string
	// Cache, when set, is summarized in status.json.
	Cache rendercache.Store
}

// Router is the ProtocolRouter.
type Router struct {
	cfg     Config
	reg     *registry.Registry
	policy  *access.Policy
	table   map[string]ProtocolHandler
	mux     chi.Router
	started time.Time
	log     zerolog.Logger
}

// New builds a router over the given routing table. Protocols missing from
// protocols (a disabled wcs or sos) are routed like unknown path segments.
//
// Example:
//
//	rt := router.New(router.Config{BasePath: "/erddap"}, reg, policy, map[string]router.ProtocolHandler{
//	    router.Griddap: dap.New(dataset.Grid, disp, "/erddap"),
//	    router.WMS:     wmsHandler,
//	})
//	http.ListenAndServe(":8080", rt)
func New(cfg Config, reg *registry.Registry, policy *access.Policy, protocols map[string]ProtocolHandler) *Router {
	cfg.BasePath = strings.TrimRight(cfg.BasePath, "/")
	rt := &Router{
		cfg:     cfg,
		reg:     reg,
		policy:  policy,
		table:   make(map[string]ProtocolHandler, len(protocols)),
		started: time.Now(),
		log:     logging.With("router"),
	}
	for name, h := range protocols {
		if h != nil {
			rt.table[name] = h
		}
	}

	sub := chi.NewRouter()
	sub.Get("/", rt.redirectTo("/index.html"))
	sub.Get("/index.html", rt.home)
	sub.Get("/status.json", rt.status)
	sub.Method(http.MethodGet, "/metrics", metrics.Handler())
	sub.Get("/info/index.json", rt.allDatasets)
	sub.Get("/info/{id}/index.json", rt.info)
	sub.Get("/categorize/index.json", rt.categoryAttributes)
	sub.Get("/categorize/{attr}/index.json", rt.categoryValues)
	sub.Get("/categorize/{attr}/{value}/index.json", rt.categoryDatasets)
	sub.Get("/{proto}/index.json", rt.listing)
	sub.HandleFunc("/{proto}", rt.single)
	sub.HandleFunc("/{proto}/*", rt.dispatch)
	sub.NotFound(rt.notFound)
	sub.MethodNotAllowed(rt.notFound)

	top := chi.NewRouter()
	top.Use(rt.requestID, rt.instrument, rt.recoverer)
	top.NotFound(rt.notFound)
	if cfg.BasePath == "" {
		top.Mount("/", sub)
	} else {
		top.Mount(cfg.BasePath, sub)
	}
	rt.mux = top
	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// hasListing reports whether seg is a known first segment with an
// index.json listing.
func (rt *Router) hasListing(seg string) bool {
	if seg == "info" || seg == "categorize" {
		return true
	}
	_, ok := rt.table[seg]
	return ok
}

func (rt *Router) redirectTo(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, rt.cfg.BasePath+path, http.StatusFound)
	}
}

// single handles {base}/{seg} with nothing after it.
func (rt *Router) single(w http.ResponseWriter, r *http.Request) {
	seg := param(r, "proto")
	if rt.hasListing(seg) {
		rt.redirectTo("/"+seg+"/index.json")(w, r)
		return
	}
	rt.redirectTo("/index.html")(w, r)
}

func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request) {
	proto := param(r, "proto")
	h, ok := rt.table[proto]
	if !ok {
		rt.notFound(w, r)
		return
	}
	rest := chi.URLParam(r, "*")
	if rest == "" {
		rt.redirectTo("/"+proto+"/index.json")(w, r)
		return
	}
	h.Serve(w, r, rest)
}

func (rt *Router) notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, failure.NotFound("Resource not found: %s", r.URL.Path))
}

// writeError writes the gateway's plain-text error envelope for failures
// outside any protocol handler.
func writeError(w http.ResponseWriter, err error) {
	writeEnvelope(w, failure.KindOf(err).HTTPStatus(), failure.Message(err))
}

func writeEnvelope(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(dap.ErrorEnvelope(status, msg)))
}

// param returns a path parameter, unescaped.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// absolute returns the absolute URL of a path under the base path.
func (rt *Router) absolute(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + rt.cfg.BasePath + path
}
