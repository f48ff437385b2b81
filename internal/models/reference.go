package models

import "strings"

// sessionChargePrefix is the namespace of session charge references. Only the
// session manager posts under it.
const sessionChargePrefix = "session:"

// SessionChargeReference is the ledger reference a session's cost is charged under.
func SessionChargeReference(sessionID string) string {
	return sessionChargePrefix + sessionID
}

// IsSessionChargeReference reports whether ref belongs to the session charge namespace.
func IsSessionChargeReference(ref string) bool {
	return strings.HasPrefix(ref, sessionChargePrefix)
}

// ClientReference scopes a caller-supplied idempotency key to the caller, so two
// users sending the same key never share an operation.
func ClientReference(userID, key string) string {
	if key == "" {
		return ""
	}
	return userID + ":" + key
}
