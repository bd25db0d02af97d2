package types

// Event represents a typed event emitted during state transitions. Attribute
// keys and their meanings are fixed per event type so external consumers can
// rely on them.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
