// Package httpapi exposes the signing pipeline over HTTP. Handlers decode,
// delegate to the coordinator and map errors; no business rule lives here.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"signflow/auth"
	"signflow/contract"
	"signflow/eventlog"
	"signflow/realtime"
	"signflow/signing"
	"signflow/token"
)

// Coordinator is the set of signing operations the API exposes.
type Coordinator interface {
	CreateContract(ctx context.Context, req signing.CreateRequest) (contract.Detail, error)
	SendForSignature(ctx context.Context, contractID string) ([]signing.Invitation, error)
	SendReminder(ctx context.Context, contractID, signerID string) (signing.Invitation, error)
	Cancel(ctx context.Context, contractID, actorID string) error
	Contract(ctx context.Context, contractID string) (contract.Detail, error)
	Events(ctx context.Context, filter eventlog.Filter) ([]eventlog.Event, error)
	RecordView(ctx context.Context, contractID, signerID string) error
	SubmitSignature(ctx context.Context, req signing.SubmitRequest) (signing.SubmitResult, error)
	DeclineWithToken(ctx context.Context, tok, contractID, signerID, reason string) error
	CanView(ctx context.Context, contractID, userID, email string) error
}

// Accounts is the owner account service.
type Accounts interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

// Tokens verifies both credential kinds.
type Tokens interface {
	Verify(tokenString string) (token.Claims, error)
	VerifyAccess(tokenString string) (token.AccessClaims, error)
}

type Config struct {
	Coordinator Coordinator
	Accounts    Accounts
	Tokens      Tokens
	// Realtime serves /ws. Nil disables the route.
	Realtime http.Handler
	// Ready reports storage health for /health.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

type Server struct {
	coord    Coordinator
	accounts Accounts
	tokens   Tokens
	realtime http.Handler
	ready    func(ctx context.Context) error
	logger   *zap.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		coord:    cfg.Coordinator,
		accounts: cfg.Accounts,
		tokens:   cfg.Tokens,
		realtime: cfg.Realtime,
		ready:    cfg.Ready,
		logger:   logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestContext, s.accessLog, s.recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/auth", func(api chi.Router) {
		api.Post("/register", s.handleRegister)
		api.Post("/login", s.handleLogin)
		api.With(s.requireAccount).Get("/me", s.handleMe)
	})

	r.Route("/contracts", func(api chi.Router) {
		api.Use(s.requireAccount)
		api.Post("/", s.handleCreateContract)
		api.Get("/{contractID}", s.handleGetContract)
		api.Get("/{contractID}/events", s.handleListEvents)
		api.Post("/{contractID}/send", s.handleSend)
		api.Post("/{contractID}/cancel", s.handleCancel)
		api.Post("/{contractID}/signers/{signerID}/remind", s.handleRemind)
	})

	r.Route("/sign/{contractID}", func(api chi.Router) {
		api.Get("/", s.handleSigningView)
		api.Post("/submit", s.handleSubmit)
		api.Post("/decline", s.handleDecline)
	})

	if s.realtime != nil {
		r.Handle("/ws", s.realtime)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("health: storage unavailable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "up", "name": "signflow"})
}

// WatchAuthorizer admits owners and signers to a contract's realtime channel.
type WatchAuthorizer struct {
	Coordinator interface {
		CanView(ctx context.Context, contractID, userID, email string) error
	}
}

var _ realtime.Authorizer = WatchAuthorizer{}

func (a WatchAuthorizer) CanWatch(ctx context.Context, id realtime.Identity, contractID string) error {
	if id.IsSigner() && id.ContractID != contractID {
		return contract.ErrForbidden
	}
	return a.Coordinator.CanView(ctx, contractID, id.UserID, id.Email)
}
