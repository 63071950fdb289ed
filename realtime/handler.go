package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"signflow/contract"
	"signflow/eventlog"
)

const (
	maxFramePayloadBytes   = 4 * 1024
	maxDecodeErrorsPerConn = 3
	tokenCookieName        = "signflow_token"
)

// Client frame types.
const (
	frameJoin           = "join:contract"
	frameLeave          = "leave:contract"
	frameSignatureStart = "signature:start"
)

// ErrUnauthenticated is returned by authenticators for a missing or rejected credential.
var ErrUnauthenticated = errors.New("realtime: authentication required")

// Identity is the principal bound to a connection at connect time. Signer
// identities come from signature tokens and are scoped to one contract.
type Identity struct {
	UserID     string
	Email      string
	SignerID   string
	ContractID string
}

func (i Identity) IsSigner() bool {
	return i.SignerID != ""
}

// Authenticator resolves the connect-time credential.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// Authorizer decides whether an identity may watch a contract. It returns
// contract.ErrForbidden or contract.ErrNotFound to refuse.
type Authorizer interface {
	CanWatch(ctx context.Context, id Identity, contractID string) error
}

// SignatureStarter records that a signer opened the signing flow.
type SignatureStarter interface {
	RecordView(ctx context.Context, contractID, signerID string) error
}

type HandlerConfig struct {
	Registry      *Registry
	Broadcaster   *Broadcaster
	Authenticator Authenticator
	Authorizer    Authorizer
	Starter       SignatureStarter
	Logger        *zap.Logger
}

// Handler upgrades authenticated requests to websocket connections.
type Handler struct {
	cfg    HandlerConfig
	logger *zap.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = NewBroadcaster(cfg.Registry, cfg.Logger)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, logger: logger}
}

type channelPayload struct {
	ContractID string `json:"contract_id"`
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.cfg.Authenticator == nil {
		http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
		return
	}

	credential := credentialFromRequest(r)
	if credential == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	identity, err := h.cfg.Authenticator.Authenticate(r.Context(), credential)
	if err != nil {
		h.logger.Info("realtime: websocket unauthorized",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err),
		)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	websocket.Handler(func(conn *websocket.Conn) {
		h.serveConn(conn, identity)
	}).ServeHTTP(w, r)
}

func credentialFromRequest(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

// session is owned by the read loop of its connection. Only that loop
// mutates channels.
type session struct {
	identity Identity
	peer     *peer
	channels map[string]struct{}
	ctx      context.Context
}

func (s *session) joined() []string {
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (h *Handler) serveConn(conn *websocket.Conn, identity Identity) {
	conn.MaxPayloadBytes = 64 * 1024
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.Background()
	if req := conn.Request(); req != nil {
		ctx = eventlog.WithOrigin(req.Context(), eventlog.OriginFromRequest(req))
	}
	s := &session{
		identity: identity,
		peer:     newPeer(json.NewEncoder(conn), conn.SetWriteDeadline),
		channels: make(map[string]struct{}),
		ctx:      ctx,
	}
	h.cfg.Registry.attach(s.peer)
	go func() {
		if err := s.peer.run(); err != nil {
			h.logger.Debug("realtime: write failed", zap.String("connection_id", s.peer.id), zap.Error(err))
		}
	}()
	h.logger.Info("realtime: connected",
		zap.String("connection_id", s.peer.id),
		zap.String("user_id", identity.UserID),
		zap.String("signer_id", identity.SignerID),
	)
	defer func() {
		h.cfg.Registry.detach(s.peer, s.joined())
		s.peer.close()
		h.logger.Info("realtime: disconnected", zap.String("connection_id", s.peer.id))
	}()

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			decodeErrors++
			writeError(s.peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			// The decoder is poisoned after a syntax error.
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			writeError(s.peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		switch frame.Type {
		case frameJoin:
			h.handleJoin(s, frame)
		case frameLeave:
			h.handleLeave(s, frame)
		case frameSignatureStart:
			h.handleSignatureStart(s, frame)
		default:
			writeError(s.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func decodeChannel(frame Frame) (string, bool) {
	var payload channelPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return "", false
		}
	}
	return strings.TrimSpace(payload.ContractID), true
}

func (h *Handler) handleJoin(s *session, frame Frame) {
	contractID, ok := decodeChannel(frame)
	if !ok || contractID == "" {
		writeError(s.peer, frame.RequestID, "INVALID_ARGUMENT", "contract_id is required")
		return
	}
	if s.identity.IsSigner() && s.identity.ContractID != contractID {
		writeError(s.peer, frame.RequestID, "FORBIDDEN", "not allowed to watch this contract")
		return
	}
	if h.cfg.Authorizer != nil {
		if err := h.cfg.Authorizer.CanWatch(s.ctx, s.identity, contractID); err != nil {
			code, msg := errorCode(err)
			writeError(s.peer, frame.RequestID, code, msg)
			return
		}
	}

	channel := Channel(contractID)
	s.channels[channel] = struct{}{}
	h.cfg.Registry.join(channel, s.peer)
	h.logger.Debug("realtime: joined",
		zap.String("connection_id", s.peer.id),
		zap.String("channel", channel),
	)
	s.peer.send(Frame{
		Type:      "joined:contract",
		RequestID: frame.RequestID,
		Payload:   mustJSON(map[string]string{"contract_id": contractID, "channel": channel}),
	})
}

func (h *Handler) handleLeave(s *session, frame Frame) {
	contractID, ok := decodeChannel(frame)
	if !ok || contractID == "" {
		writeError(s.peer, frame.RequestID, "INVALID_ARGUMENT", "contract_id is required")
		return
	}
	channel := Channel(contractID)
	delete(s.channels, channel)
	h.cfg.Registry.leave(channel, s.peer)
	h.logger.Debug("realtime: left",
		zap.String("connection_id", s.peer.id),
		zap.String("channel", channel),
	)
	s.peer.send(Frame{
		Type:      "left:contract",
		RequestID: frame.RequestID,
		Payload:   mustJSON(map[string]string{"contract_id": contractID, "channel": channel}),
	})
}

func (h *Handler) handleSignatureStart(s *session, frame Frame) {
	if !s.identity.IsSigner() {
		writeError(s.peer, frame.RequestID, "FORBIDDEN", "a signature link is required")
		return
	}
	contractID, ok := decodeChannel(frame)
	if !ok {
		writeError(s.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid payload")
		return
	}
	if contractID == "" {
		contractID = s.identity.ContractID
	}
	if contractID != s.identity.ContractID {
		writeError(s.peer, frame.RequestID, "FORBIDDEN", "not allowed to sign this contract")
		return
	}
	if h.cfg.Starter != nil {
		if err := h.cfg.Starter.RecordView(s.ctx, contractID, s.identity.SignerID); err != nil {
			code, msg := errorCode(err)
			writeError(s.peer, frame.RequestID, code, msg)
			return
		}
	}

	if _, err := h.cfg.Broadcaster.Emit(contractID, EventSignatureRequested, map[string]string{
		"contractId": contractID,
		"signerId":   s.identity.SignerID,
	}); err != nil {
		h.logger.Warn("realtime: emit signature requested", zap.Error(err))
	}
	s.peer.send(Frame{
		Type:      "signature:started",
		RequestID: frame.RequestID,
		Payload:   mustJSON(map[string]string{"contract_id": contractID}),
	})
}

func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, contract.ErrNotFound):
		return "NOT_FOUND", "contract not found"
	case errors.Is(err, contract.ErrForbidden):
		return "FORBIDDEN", "not allowed to watch this contract"
	case errors.Is(err, contract.ErrAlreadyFinalized):
		return "INVALID_STATE", "this contract is already finalized"
	case errors.Is(err, contract.ErrInvalidState):
		return "INVALID_STATE", "contract is not awaiting signatures"
	default:
		return "INTERNAL", "internal error"
	}
}

func writeError(p *peer, requestID, code, message string) {
	var payload errorPayload
	payload.Error.Code = code
	payload.Error.Message = message
	p.send(Frame{
		Type:      "error",
		RequestID: requestID,
		Payload:   mustJSON(payload),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
