package tenant

import (
	"fmt"
	"net/http"
)

// Identity headers set by the auth layer in front of the core. The
// core trusts them; authentication happens upstream.
const (
	HeaderAgencyID   = "X-Agency-ID"
	HeaderUserID     = "X-User-ID"
	HeaderSuperAdmin = "X-Super-Admin"

	// HeaderTargetAgency names the agency a request operates on when
	// it differs from the principal's own. Crossing over requires a
	// super-admin principal.
	HeaderTargetAgency = "X-Target-Agency"
)

// FromRequest extracts the calling principal from identity headers.
func FromRequest(r *http.Request) Principal {
	return Principal{
		UserID:     r.Header.Get(HeaderUserID),
		AgencyID:   r.Header.Get(HeaderAgencyID),
		SuperAdmin: r.Header.Get(HeaderSuperAdmin) == "true",
	}
}

// ScopedAgency resolves the agency a request operates on. It defaults
// to the principal's own agency; a request naming another agency via
// X-Target-Agency must pass Authorize, so only super-admins cross
// tenant boundaries.
func ScopedAgency(p Principal, r *http.Request) (string, error) {
	target := r.Header.Get(HeaderTargetAgency)
	if target == "" {
		target = p.AgencyID
	}
	if target == "" {
		return "", fmt.Errorf("%w: no agency in scope", ErrAccessDenied)
	}
	if err := p.Authorize(target); err != nil {
		return "", err
	}
	return target, nil
}
