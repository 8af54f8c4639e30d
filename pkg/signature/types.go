package signature

// Envelope carries a detached signature over the canonical payload
// hash. The workflow engine treats it as opaque; only the verifier
// interprets it.
type Envelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
	KeyID       string `json:"key_id,omitempty"`
}

// Verifier is the pluggable cryptographic capability consumed by the
// workflow engine. Implementations validate an envelope against the
// payload it claims to sign.
type Verifier interface {
	Verify(payload any, env Envelope) (VerifyResult, error)
}
