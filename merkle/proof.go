package merkle

// Proof is the transient authorization proof submitted alongside a transfer
// or authorization check; only the processed numeric value and leaf hash of
// the code are ever persisted
type Proof struct {
	Code string   `json:"code"`
	Path []string `json:"path"`

	// Root is optional and advisory; the committed root recorded on the token
	// is always authoritative
	Root *string `json:"root,omitempty"`
}
