package contract

import (
	"strings"
	"time"
)

// Contract mirrors the contracts table columns touched by the coordinator.
type Contract struct {
	ID          string
	Title       string
	Description string
	OwnerID     string
	DocumentKey string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
}

// Due reports whether the contract passed its expiry without reaching a terminal state.
func (c Contract) Due(now time.Time) bool {
	if c.ExpiresAt == nil || c.Status.Terminal() {
		return false
	}
	return now.After(*c.ExpiresAt)
}

// Signer is one recipient who must sign a contract. It belongs to exactly one contract.
type Signer struct {
	ID            string
	ContractID    string
	Email         string
	Name          string
	Position      int
	Signed        bool
	SignedAt      *time.Time
	Declined      bool
	DeclinedAt    *time.Time
	DeclineReason *string
	SignatureKey  *string
}

// Pending reports whether the signer has neither signed nor declined.
func (s Signer) Pending() bool {
	return !s.Signed && !s.Declined
}

// DisplayName returns the signer name, falling back to the local part of the email.
func (s Signer) DisplayName() string {
	return displayName(s.Name, s.Email)
}

// Owner is the account that created the contract and receives completion mail.
type Owner struct {
	ID    string
	Email string
	Name  string
}

func (o Owner) DisplayName() string {
	return displayName(o.Name, o.Email)
}

// Detail bundles a contract with its ordered signers.
type Detail struct {
	Contract Contract
	Signers  []Signer
}

// Signer looks up a signer of the contract by id.
func (d Detail) Signer(id string) (Signer, bool) {
	for _, s := range d.Signers {
		if s.ID == id {
			return s, true
		}
	}
	return Signer{}, false
}

// AllSigned reports whether every signer has signed. A contract without signers is never complete.
func AllSigned(signers []Signer) bool {
	if len(signers) == 0 {
		return false
	}
	for _, s := range signers {
		if !s.Signed {
			return false
		}
	}
	return true
}

// NormalizeEmail lowercases and trims an address for uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func displayName(name, email string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}
