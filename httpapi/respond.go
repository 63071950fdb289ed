package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"signflow/auth"
	"signflow/contract"
	"signflow/logging"
	"signflow/token"
)

const maxBodyBytes = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrInvalidInput, err)
	}
	return nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	RequestID string   `json:"request_id"`
	Error     apiError `json:"error"`
}

// classify maps domain errors to a status, a stable code and a client message.
func classify(err error) (int, string, string) {
	var stateErr *contract.StateError
	switch {
	case errors.Is(err, token.ErrExpiredToken):
		return http.StatusUnauthorized, "TOKEN_EXPIRED", "this link has expired, request a new link"
	case errors.Is(err, token.ErrTokenMismatch):
		return http.StatusUnauthorized, "TOKEN_MISMATCH", "this link does not belong to this signer, request a new link"
	case errors.Is(err, token.ErrInvalidToken):
		return http.StatusUnauthorized, "INVALID_TOKEN", "invalid link, request a new link"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password"
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required"
	case errors.Is(err, contract.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "not allowed"
	case errors.Is(err, contract.ErrNotFound), errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, "NOT_FOUND", "not found"
	case errors.Is(err, contract.ErrAlreadyFinalized):
		return http.StatusConflict, "ALREADY_FINALIZED", "this contract is already finalized"
	case errors.As(err, &stateErr):
		return http.StatusConflict, "INVALID_STATE", stateErr.Error()
	case errors.Is(err, contract.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE", err.Error()
	case errors.Is(err, contract.ErrDuplicateSigner):
		return http.StatusConflict, "DUPLICATE_SIGNER", "a signer with this email is already on the contract"
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict, "DUPLICATE_EMAIL", "an account with this email already exists"
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, "WEAK_PASSWORD", auth.ErrWeakPassword.Error()
	case errors.Is(err, contract.ErrInvalidInput):
		return http.StatusBadRequest, "BAD_REQUEST", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL", "internal error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	logger := logging.WithContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, errorEnvelope{
		RequestID: logging.RequestID(r.Context()),
		Error:     apiError{Code: code, Message: message},
	})
}
