package gateway

import "fmt"

// Error is the structured failure carried in an error acknowledgement.
// All gateway errors are recoverable at the connection level: the client
// gets the ack and the connection stays up.
type Error struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Error names. The first six form the protocol taxonomy; NotJoined and
// UnknownEvent cover precondition and framing failures.
const (
	NameUnknownSession   = "UnknownSession"
	NameMissingField     = "MissingField"
	NamePermissionDenied = "PermissionDenied"
	NameStoreUnavailable = "PermissionStoreUnavailable"
	NameDocNotFound      = "DocNotFound"
	NameWorkspaceMissing = "WorkspaceNotFound"
	NameNotJoined        = "NotJoined"
	NameUnknownEvent     = "UnknownEvent"
	NameInternal         = "Internal"
)

func errUnknownSession() *Error {
	return &Error{Name: NameUnknownSession, Message: "no session for this connection"}
}

func errMissingField(field string) *Error {
	return &Error{Name: NameMissingField, Message: field + " is required"}
}

func errPermissionDenied(what string) *Error {
	return &Error{Name: NamePermissionDenied, Message: "not allowed to " + what}
}

func errStoreUnavailable() *Error {
	// Deliberately does not leak the underlying store failure; the caller
	// only learns that the check could not run and access was denied.
	return &Error{Name: NameStoreUnavailable, Message: "permission check unavailable, denied"}
}

func errDocNotFound(docID string) *Error {
	return &Error{Name: NameDocNotFound, Message: "document " + docID + " not found"}
}

func errWorkspaceNotFound(workspaceID string) *Error {
	return &Error{Name: NameWorkspaceMissing, Message: "workspace " + workspaceID + " not found"}
}

func errNotJoined(spaceID string) *Error {
	return &Error{Name: NameNotJoined, Message: "space " + spaceID + " has not been joined"}
}

func errUnknownEvent(event string) *Error {
	return &Error{Name: NameUnknownEvent, Message: "unknown event " + event}
}

func errInternal() *Error {
	return &Error{Name: NameInternal, Message: "internal error"}
}
