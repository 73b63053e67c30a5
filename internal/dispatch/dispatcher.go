package dispatch

import (
	"context"
	"net/http"

	"github.com/BobSimons/erddap-sub000/internal/access"
	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/failure"
	"github.com/BobSimons/erddap-sub000/internal/registry"
)

// Permission decides whether a caller may use a dataset for one kind of
// request. access.Policy's CanRead and CanGraph fit.
type Permission func(ds *dataset.Dataset, id access.Identity) bool

// Dispatcher binds requests to datasets: lookup in the current registry
// snapshot, access checks, and the hot-reload retry around the handler.
type Dispatcher struct {
	Registry *registry.Registry
	Policy   *access.Policy
	Retrier  *Retrier
}

// Resolve looks up id for the caller of r. It returns a NotFound error
// for unknown ids and a NotAccessible error when can denies access.
func (d *Dispatcher) Resolve(r *http.Request, kind dataset.Kind, id string, can Permission) (*dataset.Dataset, access.Identity, error) {
	ident := d.Policy.Identify(r)
	ds, ok := d.Registry.Lookup(kind, id)
	if !ok {
		return nil, ident, failure.NotFound("Resource not found: datasetID=%s", id)
	}
	if can != nil && !can(ds, ident) {
		return nil, ident, failure.NotAccessible(id)
	}
	return ds, ident, nil
}

// Run serves a request bound to ds. If serve reports that ds changed
// underneath it, Run waits for the replacement, re-checks access with can
// and serves again; see Retrier.
func (d *Dispatcher) Run(w http.ResponseWriter, r *http.Request, ds *dataset.Dataset, ident access.Identity, can Permission, serve func(ctx context.Context, ds *dataset.Dataset) error) error {
	return d.Retrier.Run(r.Context(), w, ds, Attempt{
		DatasetID: ds.ID,
		Lookup: func() (*dataset.Dataset, bool) {
			return d.Registry.Lookup(ds.Kind, ds.ID)
		},
		Authorize: func(next *dataset.Dataset) error {
			if can != nil && !can(next, ident) {
				return failure.NotAccessible(next.ID)
			}
			return nil
		},
		Serve: serve,
	})
}

// LoginRedirect answers a NotAccessible error with the login redirect.
// It reports whether it handled err.
func (d *Dispatcher) LoginRedirect(w http.ResponseWriter, r *http.Request, err error) bool {
	if Classify(err).Status != NotAccessible || Started(w) {
		return false
	}
	d.Policy.LoginRedirect(w, r)
	return true
}
