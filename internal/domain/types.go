package domain

import (
	"encoding/json"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Capability scopes a mandate can grant.
const (
	ScopeLogin  = "provider:login"
	ScopeEnroll = "provider:enroll"
	ScopeCancel = "provider:cancel"
	ScopePay    = "payment:charge"
)

// DefaultScopeCatalog is used when config does not restrict the catalog.
var DefaultScopeCatalog = []string{ScopeLogin, ScopeEnroll, ScopeCancel, ScopePay}

// ExecutionScopes must all be granted for a plan to run.
var ExecutionScopes = []string{ScopeLogin, ScopeEnroll}

// NewID returns a prefixed random identifier, e.g. "pln_5f0c...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// Mandate is a bounded, time-windowed, revocable capability grant.
type Mandate struct {
	ID             string        `json:"id"`
	Subject        string        `json:"subject"`
	Provider       string        `json:"provider"`
	OrgRef         string        `json:"org_ref"`
	Scopes         []string      `json:"scopes"`
	MaxAmountCents int64         `json:"max_amount_cents"`
	ValidFrom      time.Time     `json:"valid_from"`
	ValidUntil     time.Time     `json:"valid_until"`
	Status         MandateStatus `json:"status"`
	CredentialRef  string        `json:"credential_ref"`
	PaymentRef     string        `json:"payment_ref,omitempty"`
	MaxAdvance     time.Duration `json:"max_advance,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// UsableAt is true iff the mandate is active and at lies within its window.
func (m Mandate) UsableAt(at time.Time) bool {
	if m.Status != MandateActive {
		return false
	}
	return !at.Before(m.ValidFrom) && !at.After(m.ValidUntil)
}

func (m Mandate) HasScope(scope string) bool {
	return slices.Contains(m.Scopes, scope)
}

// MissingScopes returns the entries of want that the mandate does not grant.
func (m Mandate) MissingScopes(want ...string) []string {
	var out []string
	for _, s := range want {
		if !m.HasScope(s) {
			out = append(out, s)
		}
	}
	return out
}

// Caps are the spending estimates a plan is created with.
type Caps struct {
	MaxProviderChargeCents int64 `json:"max_provider_charge_cents"`
	ServiceFeeCents        int64 `json:"service_fee_cents"`
}

// Total saturates at math.MaxInt64 instead of wrapping.
func (c Caps) Total() int64 {
	if c.ServiceFeeCents > 0 && c.MaxProviderChargeCents > math.MaxInt64-c.ServiceFeeCents {
		return math.MaxInt64
	}
	return c.MaxProviderChargeCents + c.ServiceFeeCents
}

// Within reports whether both caps are non-negative and their sum does not
// exceed limit.
func (c Caps) Within(limit int64) bool {
	return FitsWithin(c.MaxProviderChargeCents, c.ServiceFeeCents, limit)
}

// MaxCents is the largest amount accepted anywhere. Canonical JSON encodes
// numbers as IEEE-754 doubles, so larger integers lose precision in audit
// hashes.
const MaxCents int64 = 1<<53 - 1

// ValidCents reports whether v lies in [0, MaxCents].
func ValidCents(v int64) bool { return v >= 0 && v <= MaxCents }

// FitsWithin reports whether a+b <= limit without computing a+b. Negative
// operands never fit.
func FitsWithin(a, b, limit int64) bool {
	if a < 0 || b < 0 || a > limit {
		return false
	}
	return b <= limit-a
}

// Plan is a scheduled registration intent bound to a mandate.
type Plan struct {
	ID                     string          `json:"id"`
	MandateID              string          `json:"mandate_id"`
	ProgramRef             string          `json:"program_ref"`
	ParticipantRef         string          `json:"participant_ref"`
	OpensAt                time.Time       `json:"opens_at"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	MaxProviderChargeCents int64           `json:"max_provider_charge_cents"`
	ServiceFeeCents        int64           `json:"service_fee_cents"`
	Status                 PlanStatus      `json:"status"`
	FailureReason          string          `json:"failure_reason,omitempty"`
	BookingRef             string          `json:"booking_ref,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	ClaimedAt              time.Time       `json:"claimed_at,omitempty"`

	// Side annotations; they never reopen a terminal plan.
	Reconcile    bool              `json:"reconcile"`
	SettledAt    time.Time         `json:"settled_at,omitempty"`
	Cancellation CancellationState `json:"cancellation,omitempty"`
}

func (p Plan) Caps() Caps {
	return Caps{MaxProviderChargeCents: p.MaxProviderChargeCents, ServiceFeeCents: p.ServiceFeeCents}
}

// ExecutionAttempt records one orchestrator run for a plan.
type ExecutionAttempt struct {
	ID                 string    `json:"id"`
	PlanID             string    `json:"plan_id"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at,omitempty"`
	Outcome            Outcome   `json:"outcome,omitempty"`
	BookingRef         string    `json:"booking_ref,omitempty"`
	FailureReason      string    `json:"failure_reason,omitempty"`
	ChargedAmountCents int64     `json:"charged_amount_cents,omitempty"`
	FeeChargeID        string    `json:"fee_charge_id,omitempty"`
	BillingFailed      bool      `json:"billing_failed,omitempty"`
	LoginAttempts      int       `json:"login_attempts,omitempty"`
}

// AuditEntry is one immutable, hash-chained ledger record.
type AuditEntry struct {
	ID         string          `json:"id"`
	MandateID  string          `json:"mandate_id"`
	PlanID     string          `json:"plan_id,omitempty"`
	Seq        int64           `json:"seq"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args"`
	Result     json.RawMessage `json:"result"`
	ArgsHash   string          `json:"args_hash"`
	ResultHash string          `json:"result_hash"`
	Decision   Decision        `json:"decision"`
	Timestamp  time.Time       `json:"timestamp"`
	PrevHash   string          `json:"prev_hash"`
	EntryHash  string          `json:"entry_hash"`
}

// StepResult journals a confirmed side effect so a resumed run never
// reissues it.
type StepResult struct {
	PlanID             string    `json:"plan_id"`
	Step               string    `json:"step"`
	Key                string    `json:"key"`
	BookingRef         string    `json:"booking_ref,omitempty"`
	ChargedAmountCents int64     `json:"charged_amount_cents,omitempty"`
	ChargeID           string    `json:"charge_id,omitempty"`
	At                 time.Time `json:"at"`
}
