package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"signflow/contract"
	"signflow/signing"
	"signflow/token"
)

// signatureImage is a 1x1 transparent PNG.
const signatureImage = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// Invite is one signing link handed from the owner to signer actors.
type Invite struct {
	ContractID string
	SignerID   string
	Token      string
}

// Stats counts outcomes across actors. Rejections are expected under contention.
type Stats struct {
	Created   atomic.Int64
	Signed    atomic.Int64
	Declined  atomic.Int64
	Cancelled atomic.Int64
	Rejected  atomic.Int64
	Failed    atomic.Int64
}

// expected reports errors the coordinator returns to losers of a race.
func expected(err error) bool {
	return errors.Is(err, contract.ErrInvalidState) ||
		errors.Is(err, token.ErrTokenMismatch) ||
		errors.Is(err, token.ErrExpiredToken) ||
		errors.Is(err, contract.ErrNotFound)
}

func (s *Stats) record(err error, ok *atomic.Int64) {
	switch {
	case err == nil:
		ok.Add(1)
	case expected(err):
		s.Rejected.Add(1)
	default:
		// Chaos kills backends, so transport errors are counted, not fatal.
		s.Failed.Add(1)
	}
}

// Owner creates and sends contracts with signerCount signers, then fans the
// links out on invites. Every link is sent twice so signers race each other.
func Owner(ctx context.Context, coord *signing.Coordinator, ownerID string, signerCount int, invites chan<- Invite, stats *Stats, stop <-chan struct{}) error {
	actx := signing.WithActor(ctx, ownerID)
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		req := signing.CreateRequest{OwnerID: ownerID, Title: fmt.Sprintf("Stress contract %d", n)}
		for i := 0; i < signerCount; i++ {
			req.Signers = append(req.Signers, signing.SignerInput{
				Email: fmt.Sprintf("signer%d-%d-%d@example.com", i, n, rand.Int63()),
				Name:  fmt.Sprintf("Signer %d", i),
			})
		}
		detail, err := coord.CreateContract(actx, req)
		if err != nil {
			stats.record(err, &stats.Failed)
			continue
		}
		stats.Created.Add(1)
		links, err := coord.SendForSignature(actx, detail.Contract.ID)
		if err != nil {
			stats.record(err, &stats.Failed)
			continue
		}
		for round := 0; round < 2; round++ {
			for _, inv := range links {
				select {
				case invites <- Invite{ContractID: detail.Contract.ID, SignerID: inv.SignerID, Token: inv.Token}:
				case <-ctx.Done():
					return ctx.Err()
				case <-stop:
					return nil
				}
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
	}
}

// Signer consumes links and signs, occasionally declining instead.
func Signer(ctx context.Context, coord *signing.Coordinator, invites <-chan Invite, stats *Stats, stop <-chan struct{}) error {
	for {
		var inv Invite
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case inv = <-invites:
		}
		if rand.Intn(20) == 0 {
			err := coord.DeclineWithToken(ctx, inv.Token, inv.ContractID, inv.SignerID, "stress decline")
			stats.record(err, &stats.Declined)
			continue
		}
		_, err := coord.SubmitSignature(ctx, signing.SubmitRequest{
			ContractID:     inv.ContractID,
			SignerID:       inv.SignerID,
			Token:          inv.Token,
			SignatureImage: signatureImage,
		})
		stats.record(err, &stats.Signed)
	}
}

// Canceller races owner cancellation against in-flight signatures.
func Canceller(ctx context.Context, coord *signing.Coordinator, ownerID string, invites <-chan Invite, stats *Stats, stop <-chan struct{}) error {
	actx := signing.WithActor(ctx, ownerID)
	for {
		var inv Invite
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case inv = <-invites:
		}
		if rand.Intn(10) != 0 {
			continue
		}
		err := coord.Cancel(actx, inv.ContractID, ownerID)
		stats.record(err, &stats.Cancelled)
	}
}

// Sweeper expires due contracts on a short period.
func Sweeper(ctx context.Context, coord *signing.Coordinator, stats *Stats, stop <-chan struct{}) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			if _, err := coord.Sweep(ctx, 50); err != nil {
				stats.Failed.Add(1)
			}
		}
	}
}
