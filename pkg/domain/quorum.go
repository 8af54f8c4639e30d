package domain

// QuorumPolicy decides when a workflow with require_all_signers=false
// counts as complete. The default is AllRequiredSigners; any other
// rule is supplied as a policy value, never hard-coded in the engine.
type QuorumPolicy interface {
	Name() string
	Satisfied(signers []Signer) bool
}

type AllRequiredSigners struct{}

func (AllRequiredSigners) Name() string { return "ALL_REQUIRED" }

func (AllRequiredSigners) Satisfied(signers []Signer) bool {
	for _, s := range signers {
		if s.Required && s.Status != SignerSigned {
			return false
		}
	}
	return true
}

// MinimumCount is satisfied once at least Count signers (required or
// not) have signed.
type MinimumCount struct{ Count int }

func (MinimumCount) Name() string { return "MINIMUM_COUNT" }

func (p MinimumCount) Satisfied(signers []Signer) bool {
	n := 0
	for _, s := range signers {
		if s.Status == SignerSigned {
			n++
		}
	}
	return n >= p.Count
}
