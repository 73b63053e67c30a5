// Package access decides which callers may see and read which datasets.
//
// Authentication itself happens elsewhere; the gateway trusts a user name
// passed in a configurable request header (set by an authenticating proxy)
// and asks a RoleSource for that user's roles.
package access

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/logging"
)

// AnyoneLoggedIn is granted to every authenticated user. A dataset whose
// AccessibleTo contains it is readable by any logged-in user.
const AnyoneLoggedIn = "[anyoneLoggedIn]"

// Identity is a caller. The zero Identity is an anonymous caller.
type Identity struct {
	User  string
	Roles []string
}

// LoggedIn reports whether the caller is authenticated.
func (id Identity) LoggedIn() bool { return id.User != "" }

// Config configures a Policy.
type Config struct {
	// UserHeader names the request header carrying the authenticated
	// user. Empty disables logins.
	UserHeader string
	// LoginURL is where callers are sent when a dataset is not accessible.
	LoginURL string
	// ListPrivate lists datasets the caller cannot read.
	ListPrivate bool
}

// Policy is the AccessPolicy. It is safe for concurrent use.
type Policy struct {
	cfg   Config
	roles RoleSource
	log   zerolog.Logger
}

// NewPolicy returns a policy. roles may be nil when logins are disabled.
func NewPolicy(cfg Config, roles RoleSource) *Policy {
	if roles == nil {
		roles = StaticRoles(nil)
	}
	return &Policy{cfg: cfg, roles: roles, log: logging.With("access")}
}

// Identify returns the identity of the caller of r. A role lookup failure
// is logged and yields an authenticated identity with no roles beyond
// AnyoneLoggedIn.
func (p *Policy) Identify(r *http.Request) Identity {
	if p.cfg.UserHeader == "" {
		return Identity{}
	}
	user := strings.TrimSpace(r.Header.Get(p.cfg.UserHeader))
	if user == "" {
		return Identity{}
	}
	return p.identity(r.Context(), user)
}

func (p *Policy) identity(ctx context.Context, user string) Identity {
	roles, err := p.roles.Roles(ctx, user)
	if err != nil {
		p.log.Warn().Err(err).Str("user", user).Msg("role lookup failed")
		roles = nil
	}
	if !slices.Contains(roles, AnyoneLoggedIn) {
		roles = append(roles, AnyoneLoggedIn)
	}
	return Identity{User: user, Roles: roles}
}

// CanRead reports whether id may read data from ds.
func (p *Policy) CanRead(ds *dataset.Dataset, id Identity) bool {
	if ds.IsPublic() {
		return true
	}
	if !id.LoggedIn() {
		return false
	}
	for _, role := range id.Roles {
		if slices.Contains(ds.AccessibleTo, role) {
			return true
		}
	}
	return false
}

// CanGraph reports whether id may get images of ds. Datasets with
// GraphsAccessibleToPublic allow images to everyone.
func (p *Policy) CanGraph(ds *dataset.Dataset, id Identity) bool {
	return ds.GraphsAccessibleToPublic || p.CanRead(ds, id)
}

// IsVisible reports whether ds appears in listings for id.
func (p *Policy) IsVisible(ds *dataset.Dataset, id Identity) bool {
	return p.cfg.ListPrivate || p.CanGraph(ds, id)
}

// LoginRedirect sends the caller to the login flow, remembering the
// requested URL. Without a LoginURL it answers 401 so dataset existence is
// not leaked in a body.
func (p *Policy) LoginRedirect(w http.ResponseWriter, r *http.Request) {
	if p.cfg.LoginURL == "" {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	target := p.cfg.LoginURL
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	target += sep + "returnTo=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
}
