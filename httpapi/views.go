package httpapi

import (
	"time"

	"signflow/auth"
	"signflow/contract"
	"signflow/eventlog"
	"signflow/signing"
)

type signerView struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Position      int        `json:"position"`
	Signed        bool       `json:"signed"`
	SignedAt      *time.Time `json:"signedAt,omitempty"`
	Declined      bool       `json:"declined"`
	DeclinedAt    *time.Time `json:"declinedAt,omitempty"`
	DeclineReason *string    `json:"declineReason,omitempty"`
}

type contractView struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	OwnerID     string       `json:"ownerId"`
	DocumentKey string       `json:"documentKey,omitempty"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
	Signers     []signerView `json:"signers"`
}

func newSignerView(s contract.Signer) signerView {
	return signerView{
		ID:            s.ID,
		Email:         s.Email,
		Name:          s.DisplayName(),
		Position:      s.Position,
		Signed:        s.Signed,
		SignedAt:      s.SignedAt,
		Declined:      s.Declined,
		DeclinedAt:    s.DeclinedAt,
		DeclineReason: s.DeclineReason,
	}
}

func newContractView(d contract.Detail) contractView {
	c := d.Contract
	v := contractView{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		OwnerID:     c.OwnerID,
		DocumentKey: c.DocumentKey,
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		ExpiresAt:   c.ExpiresAt,
		Signers:     make([]signerView, 0, len(d.Signers)),
	}
	for _, s := range d.Signers {
		v.Signers = append(v.Signers, newSignerView(s))
	}
	return v
}

type eventView struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SignerID  *string        `json:"signerId,omitempty"`
	Data      map[string]any `json:"data"`
	IPAddress string         `json:"ipAddress,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func newEventViews(events []eventlog.Event) []eventView {
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			ID:        e.ID,
			Type:      string(e.Type),
			SignerID:  e.SignerID,
			Data:      e.Data,
			IPAddress: e.Origin.IPAddress,
			UserAgent: e.Origin.UserAgent,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

// invitationView leaves the token out; links only travel by email.
type invitationView struct {
	SignerID  string    `json:"signerId"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newInvitationView(inv signing.Invitation) invitationView {
	return invitationView{SignerID: inv.SignerID, Email: inv.Email, ExpiresAt: inv.ExpiresAt}
}

type userView struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	CreatedAt time.Time `json:"createdAt"`
}

func newUserView(u auth.User) userView {
	return userView{ID: u.ID, Email: u.Email, FullName: u.FullName, CreatedAt: u.CreatedAt}
}
