package quota

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
)

type Credential struct {
	ID  string
	Key string
}

func (c Credential) String() string {
	return c.ID
}

// NewCredentials derives stable, log-safe identifiers from the raw API keys.
func NewCredentials(keys []string) []Credential {
	creds := make([]Credential, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		hash := sha256.Sum256([]byte(key))
		creds = append(creds, Credential{
			ID:  fmt.Sprintf("key-%x", hash[:4]),
			Key: key,
		})
	}
	return creds
}

func CredentialIDs(creds []Credential) []string {
	ids := make([]string, len(creds))
	for i, c := range creds {
		ids[i] = c.ID
	}
	return ids
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeQuotaError
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeQuotaError:
		return "quota_error"
	default:
		return "failure"
	}
}

var _ CredentialPool = (*Pool)(nil)

type Pool struct {
	ledger *Ledger
	creds  []Credential
	mu     sync.Mutex
	last   int
}

func NewPool(ledger *Ledger, creds []Credential) *Pool {
	return &Pool{
		ledger: ledger,
		creds:  creds,
		last:   -1,
	}
}

// Acquire picks the next usable credential after the last one handed out
// and holds cost against it. The hold is settled by Release.
func (p *Pool) Acquire(cost int) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	for i := 1; i <= n; i++ {
		idx := (p.last + i) % n
		cred := p.creds[idx]

		if _, err := p.ledger.Charge(cred.ID, cost); err != nil {
			slog.Debug("Credential unavailable", "credential", cred.ID, "error", err)
			continue
		}

		p.last = idx
		return cred, nil
	}

	return Credential{}, ErrNoAvailableCredential
}

// Release settles the hold taken by Acquire. Only successful calls keep the
// charge; a provider quota error cools the credential down until the next
// epoch instead.
func (p *Pool) Release(cred Credential, outcome Outcome, cost int) error {
	switch outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeQuotaError:
		if err := p.ledger.Refund(cred.ID, cost); err != nil {
			return fmt.Errorf("failed to refund credential %s: %w", cred.ID, err)
		}
		until := p.ledger.NextReset()
		if err := p.ledger.Cooldown(cred.ID, until); err != nil {
			return fmt.Errorf("failed to cool down credential %s: %w", cred.ID, err)
		}
		slog.Warn("Credential quota exhausted by provider", "credential", cred.ID, "cooldown_until", until)
		return nil
	default:
		if err := p.ledger.Refund(cred.ID, cost); err != nil {
			return fmt.Errorf("failed to refund credential %s: %w", cred.ID, err)
		}
		return nil
	}
}

func (p *Pool) Size() int {
	return len(p.creds)
}
