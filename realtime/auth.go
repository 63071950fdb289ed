package realtime

import (
	"context"
	"fmt"

	"signflow/token"
)

// TokenVerifier is the part of token.Service used at connect time.
type TokenVerifier interface {
	VerifyAccess(tokenString string) (token.AccessClaims, error)
	Verify(tokenString string) (token.Claims, error)
}

// TokenAuthenticator accepts owner access tokens and signer signature tokens.
type TokenAuthenticator struct {
	Tokens TokenVerifier
}

func (a TokenAuthenticator) Authenticate(_ context.Context, credential string) (Identity, error) {
	if claims, err := a.Tokens.VerifyAccess(credential); err == nil {
		return Identity{UserID: claims.UserID(), Email: claims.Email}, nil
	}
	claims, err := a.Tokens.Verify(credential)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return Identity{
		Email:      claims.Email,
		SignerID:   claims.SignerID,
		ContractID: claims.ContractID,
	}, nil
}
