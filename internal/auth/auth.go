// Package auth defines the call shape of the external authentication
// collaborator named in SPEC_FULL.md §4.11. Authentication behavior itself
// is out of scope per spec.md §1 (original's auth.py owns bcrypt-style
// hashing and auth.json); this interface exists so the supervisor can be
// wired against a concrete implementation later without any core package
// depending on a hashing library.
package auth

// Authenticator validates operator credentials against auth.json.
type Authenticator interface {
	Authenticate(user, password string) (ok bool, message string, needsChange bool)
	ChangePassword(user, oldPassword, newPassword string) (ok bool, message string)
}
