package metadata

// UserContext represents the authenticated user, set by auth middleware.
// Identity is resolved upstream; the engine only ever sees the id.
type UserContext struct {
	ID string `json:"id"`
}
