package quota

// CredentialPool hands out credentials with a held charge. Every successful
// Acquire must be followed by exactly one Release.
type CredentialPool interface {
	Acquire(cost int) (Credential, error)
	Release(cred Credential, outcome Outcome, cost int) error
}
