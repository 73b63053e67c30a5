package dispatch

import (
	"net/http"
	"strings"

	"golang.org/x/exp/slices"
)

// Params are query parameters with lower-cased names. Values keep their
// case.
type Params map[string]string

// ParamsOf returns the query parameters of r. A repeated name keeps its
// first value. When a name repeats in different casings, the spelling
// that sorts first wins (so "LAYERS" before "layers").
func ParamsOf(r *http.Request) Params {
	query := r.URL.Query()
	names := make([]string, 0, len(query))
	for k := range query {
		names = append(names, k)
	}
	slices.Sort(names)

	p := make(Params)
	for _, k := range names {
		vs := query[k]
		lk := strings.ToLower(k)
		if _, seen := p[lk]; seen || len(vs) == 0 {
			continue
		}
		p[lk] = vs[0]
	}
	return p
}

// Get returns the value of name, or "".
func (p Params) Get(name string) string {
	return p[strings.ToLower(name)]
}

// Has reports whether name was given.
func (p Params) Has(name string) bool {
	_, ok := p[strings.ToLower(name)]
	return ok
}
