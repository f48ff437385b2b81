package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Identity headers set by the authenticating gateway in front of the service.
const (
	HeaderUserID         = "X-User-ID"
	HeaderUserRoles      = "X-User-Roles"
	HeaderIdempotencyKey = "Idempotency-Key"

	RoleAdmin = "admin"
)

var errUnauthenticated = errors.New("missing " + HeaderUserID + " header")

type identityKey struct{}

// Identity is the verified caller.
type Identity struct {
	UserID string
	Roles  []string
}

func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the caller may act on other users' accounts.
func (i Identity) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

// CanActFor reports whether the caller may read or move userID's coins.
func (i Identity) CanActFor(userID string) bool {
	return i.UserID == userID || i.IsAdmin()
}

func identityFromRequest(r *http.Request) (Identity, bool) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return Identity{}, false
	}
	var roles []string
	for _, role := range strings.Split(r.Header.Get(HeaderUserRoles), ",") {
		if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
			roles = append(roles, role)
		}
	}
	return Identity{UserID: userID, Roles: roles}, true
}

// requireIdentity rejects requests without a caller id and stores the
// identity in the request context.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, errUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// IdentityFrom returns the caller stored by requireIdentity.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}
