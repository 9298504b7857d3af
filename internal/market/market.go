// Package market holds the shared vocabulary of the test-campaign
// marketplace: campaigns and offers, test sessions, bonus tasks, wallets and
// ledger transactions, plus the error taxonomy every service returns.
//
// Entities here are plain data. State transitions live in the session,
// bonustask, dispute, campaign and ledger packages.
package market

// Role is the capacity in which an actor triggers an operation.
type Role string

const (
	RoleTester Role = "tester"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system" // processor callbacks, timers
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleTester, RoleSeller, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor identifies who triggers an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Tester, Seller and Admin are shorthands for building actors.
func Tester(id string) Actor { return Actor{ID: id, Role: RoleTester} }
func Seller(id string) Actor { return Actor{ID: id, Role: RoleSeller} }
func Admin(id string) Actor  { return Actor{ID: id, Role: RoleAdmin} }

// System is the actor used by callbacks and background jobs.
var System = Actor{ID: "system", Role: RoleSystem}

// Require checks that the actor has role and, when ownerID is non-empty,
// that the actor is that owner.
func (a Actor) Require(op string, role Role, ownerID string) error {
	if a.Role != role {
		return &ForbiddenError{Op: op, Role: a.Role, Required: role}
	}
	if ownerID != "" && a.ID != ownerID {
		return &ForbiddenError{Op: op, Role: a.Role, Required: role, Owner: ownerID, Reason: "actor does not own this resource"}
	}
	return nil
}
