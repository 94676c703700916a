// Package audit provides audit logging for credential and key operations
package audit

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// Context keys for audited operations
const (
	KeyCollection ContextKey = "collection" // collection being operated on
	KeyFieldName  ContextKey = "fieldName"  // field being encrypted/decrypted
	KeyRecordID   ContextKey = "recordId"   // record identifier
	KeyError      ContextKey = "error"      // error message if operation failed

	// User context keys
	KeyUserID      ContextKey = "userId"
	KeyUsername    ContextKey = "username"
	KeyInstitution ContextKey = "institutionId"
	KeyClientIP    ContextKey = "clientIp"
	KeyOperation   ContextKey = "operation"

	// Session context keys
	KeyTokenPrefix ContextKey = "tokenPrefix" // never the full token
	KeyTier        ContextKey = "securityTier"
	KeyCount       ContextKey = "count"
)

// contextKeys lists the keys copied from a context into an event
var contextKeys = []ContextKey{
	KeyCollection, KeyFieldName, KeyRecordID,
	KeyUserID, KeyUsername, KeyInstitution, KeyClientIP, KeyOperation,
}
