// Package tenant provides agency-scoping primitives shared by every
// engine in the automation core. All entities belong to exactly one
// agency; reads and writes on behalf of a principal from another agency
// fail closed.
package tenant

import (
	"errors"
	"fmt"
)

// ErrAccessDenied is returned when a principal attempts to access an
// entity belonging to a different agency.
var ErrAccessDenied = errors.New("access denied: agency scope violation")

// Principal identifies the caller of an operation. Resolution of the
// user and agency happens upstream (auth layer); the core only enforces
// the scoping invariant.
type Principal struct {
	// UserID is the acting user, empty for system callers.
	UserID string `json:"user_id,omitempty"`

	// AgencyID is the tenant the caller operates within.
	AgencyID string `json:"agency_id"`

	// SuperAdmin bypasses the agency-scope check.
	SuperAdmin bool `json:"super_admin,omitempty"`
}

// System returns a principal for internal callers (scan loops, stream
// consumers) acting within a single agency.
func System(agencyID string) Principal {
	return Principal{UserID: "system", AgencyID: agencyID}
}

// Authorize checks that the principal may access an entity owned by
// ownerAgencyID. SuperAdmin principals always pass.
func (p Principal) Authorize(ownerAgencyID string) error {
	if p.SuperAdmin {
		return nil
	}
	if p.AgencyID == "" || p.AgencyID != ownerAgencyID {
		return fmt.Errorf("%w: principal agency %q, entity agency %q",
			ErrAccessDenied, p.AgencyID, ownerAgencyID)
	}
	return nil
}

// Validate checks that the principal is well-formed.
func (p Principal) Validate() error {
	if p.AgencyID == "" && !p.SuperAdmin {
		return fmt.Errorf("agency_id is required for non-superadmin principals")
	}
	return nil
}
