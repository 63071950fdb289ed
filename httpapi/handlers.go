package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"signflow/auth"
	"signflow/contract"
	"signflow/eventlog"
	"signflow/logging"
	"signflow/signing"
	"signflow/token"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"user":       newUserView(*user),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.accounts.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"token":      res.Token,
		"user":       newUserView(res.User),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct, _ := accountFrom(r.Context())
	user, err := s.accounts.GetUserByID(r.Context(), acct.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"user":       newUserView(*user),
	})
}

type createContractRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DocumentKey string     `json:"documentKey"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	Signers     []struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"signers"`
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, _ := accountFrom(r.Context())
	in := signing.CreateRequest{
		OwnerID:     acct.UserID,
		Title:       req.Title,
		Description: req.Description,
		DocumentKey: req.DocumentKey,
		ExpiresAt:   req.ExpiresAt,
	}
	for _, sg := range req.Signers {
		in.Signers = append(in.Signers, signing.SignerInput{Email: sg.Email, Name: sg.Name})
	}
	detail, err := s.coord.CreateContract(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"contract":   newContractView(detail),
	})
}

// ownedContract loads the contract and refuses accounts other than its owner.
func (s *Server) ownedContract(r *http.Request) (contract.Detail, error) {
	acct, _ := accountFrom(r.Context())
	detail, err := s.coord.Contract(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		return contract.Detail{}, err
	}
	if detail.Contract.OwnerID != acct.UserID {
		return contract.Detail{}, contract.ErrForbidden
	}
	return detail, nil
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	acct, _ := accountFrom(r.Context())
	id := chi.URLParam(r, "contractID")
	if err := s.coord.CanView(r.Context(), id, acct.UserID, acct.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.coord.Contract(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"contract":   newContractView(detail),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	detail, err := s.ownedContract(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := eventlog.Filter{ContractID: detail.Contract.ID}
	for _, raw := range r.URL.Query()["type"] {
		for _, part := range strings.Split(raw, ",") {
			t := eventlog.Type(strings.ToUpper(strings.TrimSpace(part)))
			if !t.Valid() {
				s.writeError(w, r, fmt.Errorf("%w: unknown event type %q", contract.ErrInvalidInput, part))
				return
			}
			filter.Types = append(filter.Types, t)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", contract.ErrInvalidInput))
			return
		}
		filter.Limit = n
	}
	events, err := s.coord.Events(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"events":     newEventViews(events),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	invites, err := s.coord.SendForSignature(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]invitationView, 0, len(invites))
	for _, inv := range invites {
		views = append(views, newInvitationView(inv))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":  logging.RequestID(r.Context()),
		"invitations": views,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	acct, _ := accountFrom(r.Context())
	id := chi.URLParam(r, "contractID")
	if err := s.coord.Cancel(r.Context(), id, acct.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"status":     string(contract.StatusCancelled),
	})
}

func (s *Server) handleRemind(w http.ResponseWriter, r *http.Request) {
	inv, err := s.coord.SendReminder(r.Context(), chi.URLParam(r, "contractID"), chi.URLParam(r, "signerID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"invitation": newInvitationView(inv),
	})
}

// signerClaims verifies a signature link against the addressed contract.
func (s *Server) signerClaims(r *http.Request, tok string) (token.Claims, error) {
	claims, err := s.tokens.Verify(tok)
	if err != nil {
		return token.Claims{}, err
	}
	if claims.ContractID != chi.URLParam(r, "contractID") {
		return token.Claims{}, token.ErrTokenMismatch
	}
	return claims, nil
}

func (s *Server) handleSigningView(w http.ResponseWriter, r *http.Request) {
	claims, err := s.signerClaims(r, r.URL.Query().Get("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail, err := s.coord.Contract(r.Context(), claims.ContractID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	signer, ok := detail.Signer(claims.SignerID)
	if !ok {
		s.writeError(w, r, contract.ErrNotFound)
		return
	}
	if !strings.EqualFold(signer.Email, claims.Email) {
		s.writeError(w, r, token.ErrTokenMismatch)
		return
	}
	if err := s.coord.RecordView(r.Context(), claims.ContractID, claims.SignerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"contract": map[string]any{
			"id":          detail.Contract.ID,
			"title":       detail.Contract.Title,
			"description": detail.Contract.Description,
			"status":      string(detail.Contract.Status),
			"expiresAt":   detail.Contract.ExpiresAt,
		},
		"signer": newSignerView(signer),
	})
}

type submitRequest struct {
	Token          string `json:"token"`
	SignerID       string `json:"signerId"`
	SignatureImage string `json:"signatureImage"`
	SignerName     string `json:"signerName"`
	SignerEmail    string `json:"signerEmail"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.coord.SubmitSignature(r.Context(), signing.SubmitRequest{
		ContractID:     chi.URLParam(r, "contractID"),
		SignerID:       req.SignerID,
		Token:          req.Token,
		SignatureImage: req.SignatureImage,
		SignerName:     req.SignerName,
		SignerEmail:    req.SignerEmail,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"status":     string(res.Status),
		"completed":  res.Completed,
	})
}

type declineRequest struct {
	Token    string `json:"token"`
	SignerID string `json:"signerId"`
	Reason   string `json:"reason"`
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var req declineRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "contractID")
	if err := s.coord.DeclineWithToken(r.Context(), req.Token, id, req.SignerID, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": logging.RequestID(r.Context()),
		"status":     string(contract.StatusDeclined),
	})
}
