package quota

import (
	"fmt"
	"sync"
	"time"
)

// State is the ledger view of one credential.
type State struct {
	CredentialID  string    `json:"credential_id"`
	Remaining     int       `json:"remaining"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Exhausted     bool      `json:"exhausted"`
	EpochEnds     time.Time `json:"epoch_ends"`
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Ledger tracks remaining quota and cooldowns per credential. The set of
// credentials is fixed at construction; every entry has its own lock so
// charges against different credentials never contend.
type Ledger struct {
	max     int
	epoch   Epoch
	now     func() time.Time
	entries map[string]*entry
	order   []string
}

func NewLedger(credentialIDs []string, maxQuota int, epoch Epoch) *Ledger {
	l := &Ledger{
		max:     maxQuota,
		epoch:   epoch,
		now:     time.Now,
		entries: make(map[string]*entry, len(credentialIDs)),
	}

	now := l.now()
	for _, id := range credentialIDs {
		if _, ok := l.entries[id]; ok {
			continue
		}
		l.entries[id] = &entry{state: State{
			CredentialID: id,
			Remaining:    maxQuota,
			EpochEnds:    epoch.Next(now),
		}}
		l.order = append(l.order, id)
	}

	return l
}

func (l *Ledger) Max() int {
	return l.max
}

// Charge atomically deducts cost and returns the remaining budget. It never
// lets remaining go below zero.
func (l *Ledger) Charge(credentialID string, cost int) (int, error) {
	if cost < 0 {
		return 0, fmt.Errorf("invalid quota cost %d", cost)
	}

	e, err := l.lookup(credentialID)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.now()
	l.rollover(e, now)

	if now.Before(e.state.CooldownUntil) {
		return e.state.Remaining, ErrCoolingDown
	}
	if e.state.Exhausted || e.state.Remaining < cost {
		return e.state.Remaining, ErrQuotaExhausted
	}

	e.state.Remaining -= cost
	if e.state.Remaining == 0 {
		e.state.Exhausted = true
	}

	return e.state.Remaining, nil
}

// Refund returns a previously held charge, capped at the configured maximum.
func (l *Ledger) Refund(credentialID string, cost int) error {
	if cost <= 0 {
		return nil
	}

	e, err := l.lookup(credentialID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	l.rollover(e, l.now())

	e.state.Remaining = min(l.max, e.state.Remaining+cost)
	if e.state.Remaining > 0 {
		e.state.Exhausted = false
	}

	return nil
}

// Cooldown blocks the credential until the given time. An earlier deadline
// never shortens an existing cooldown.
func (l *Ledger) Cooldown(credentialID string, until time.Time) error {
	e, err := l.lookup(credentialID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	l.rollover(e, l.now())

	if until.After(e.state.CooldownUntil) {
		e.state.CooldownUntil = until
	}

	return nil
}

func (l *Ledger) IsAvailable(credentialID string, now time.Time) bool {
	e, err := l.lookup(credentialID)
	if err != nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	l.rollover(e, now)

	return !e.state.Exhausted && e.state.Remaining > 0 && !now.Before(e.state.CooldownUntil)
}

// NextReset is the boundary a quota-errored credential cools down until.
func (l *Ledger) NextReset() time.Time {
	return l.epoch.Next(l.now())
}

// ResetElapsed restores every credential whose epoch has ended and returns
// how many were reset.
func (l *Ledger) ResetElapsed(now time.Time) int {
	reset := 0
	for _, id := range l.order {
		e := l.entries[id]
		e.mu.Lock()
		if l.rollover(e, now) {
			reset++
		}
		e.mu.Unlock()
	}
	return reset
}

func (l *Ledger) Snapshot() []State {
	now := l.now()
	states := make([]State, 0, len(l.order))
	for _, id := range l.order {
		e := l.entries[id]
		e.mu.Lock()
		l.rollover(e, now)
		states = append(states, e.state)
		e.mu.Unlock()
	}
	return states
}

// Restore loads persisted states for known credentials. States from an
// elapsed epoch are reset on the next access.
func (l *Ledger) Restore(states []State) int {
	restored := 0
	for _, s := range states {
		e, ok := l.entries[s.CredentialID]
		if !ok {
			continue
		}

		e.mu.Lock()
		e.state.Remaining = max(0, min(l.max, s.Remaining))
		e.state.CooldownUntil = s.CooldownUntil
		e.state.Exhausted = s.Exhausted || e.state.Remaining == 0
		if !s.EpochEnds.IsZero() {
			e.state.EpochEnds = s.EpochEnds
		}
		e.mu.Unlock()
		restored++
	}
	return restored
}

func (l *Ledger) lookup(credentialID string) (*entry, error) {
	e, ok := l.entries[credentialID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCredential, credentialID)
	}
	return e, nil
}

// rollover must be called with e.mu held.
func (l *Ledger) rollover(e *entry, now time.Time) bool {
	if now.Before(e.state.EpochEnds) {
		return false
	}

	e.state.Remaining = l.max
	e.state.Exhausted = l.max == 0
	e.state.CooldownUntil = time.Time{}
	e.state.EpochEnds = l.epoch.Next(now)

	return true
}
