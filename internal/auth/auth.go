// Package auth provides the pluggable authentication oracle used by
// internal/conn to resolve an Auth message into a User.
package auth

import "strings"

// User is the identity attached to a connection once authenticated.
type User struct {
	Username string
}

// Func resolves a bearer token into a User, or reports that the token was
// rejected.
type Func func(token string) (User, bool)

// Stub is the default oracle, grounded on original_source/src/auth.rs: it
// accepts any token that is not empty or all whitespace and uses the
// token string itself as the username. A real deployment supplies its own Func.
func Stub(token string) (User, bool) {
	if strings.TrimSpace(token) == "" {
		return User{}, false
	}
	return User{Username: token}, true
}
