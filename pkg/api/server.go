package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/notify"
)

// Lifecycle is the engine surface the API drives.
type Lifecycle interface {
	CreateProposal(ctx context.Context, req contracts.NewProposal) (*contracts.Proposal, error)
	CastVote(ctx context.Context, ledgerRef, voter, option string) (*contracts.Proposal, error)
	GetProposal(ctx context.Context, ledgerRef string) (*contracts.Proposal, error)
	ListProposals(ctx context.Context, f contracts.ProposalFilter) ([]*contracts.Proposal, error)
	CreateLoan(ctx context.Context, itemID, borrower string) (contracts.Loan, error)
	ReturnLoan(ctx context.Context, itemID, borrower string) error
	ListLoans(ctx context.Context, itemID string) ([]contracts.Loan, error)
}

// Credits is the graduation bookkeeping surface.
type Credits interface {
	RegisterExam(ctx context.Context, group string, credits int) (int, error)
	AcceptMark(ctx context.Context, group, student string, credits int) (contracts.Standing, error)
	Standing(ctx context.Context, group, student string) (contracts.Standing, error)
	Enroll(ctx context.Context, group, exam, student string) error
	RecordVerbalization(ctx context.Context, group, exam, student string, mark int) (contracts.Verbalization, error)
	Verbalizations(ctx context.Context, group, student string) ([]contracts.Verbalization, error)
}

// Outbox exposes the ledger queue for inspection and reconciliation.
type Outbox interface {
	Records(ctx context.Context, status contracts.OutboxStatus) ([]*contracts.OutboxRecord, error)
	Reconcile(ctx context.Context) (int, error)
}

// Options wires a Server. Lifecycle, Credits, Outbox and Hub are required.
type Options struct {
	Lifecycle Lifecycle
	Credits   Credits
	Outbox    Outbox
	Hub       *notify.Hub
	Limiter   *RateLimiter
	Logger    *slog.Logger

	// Auth requires bearer tokens when non-nil.
	Auth *JWTValidator

	// Health reports backing store health for /healthz. Nil means healthy.
	Health func(ctx context.Context) error
}

// Server holds the HTTP handlers.
type Server struct {
	lifecycle Lifecycle
	credits   Credits
	outbox    Outbox
	hub       *notify.Hub
	limiter   *RateLimiter
	auth      *JWTValidator
	health    func(ctx context.Context) error
	logger    *slog.Logger
	schemas   schemaSet
}

// NewServer validates opts and compiles the request schemas.
func NewServer(opts Options) (*Server, error) {
	if opts.Lifecycle == nil || opts.Credits == nil || opts.Outbox == nil || opts.Hub == nil {
		return nil, errors.New("api: lifecycle, credits, outbox and hub are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		lifecycle: opts.Lifecycle,
		credits:   opts.Credits,
		outbox:    opts.Outbox,
		hub:       opts.Hub,
		limiter:   opts.Limiter,
		auth:      opts.Auth,
		health:    opts.Health,
		logger:    opts.Logger.With("component", "api"),
		schemas:   schemas,
	}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/proposals", s.handleCreateProposal)
	mux.HandleFunc("GET /v1/proposals/{ref}", s.handleGetProposal)
	mux.HandleFunc("POST /v1/proposals/{ref}/votes", s.handleCastVote)
	mux.HandleFunc("GET /v1/groups/{group}/proposals", s.handleListProposals)

	mux.HandleFunc("POST /v1/items/{item}/loans", s.handleCreateLoan)
	mux.HandleFunc("GET /v1/items/{item}/loans", s.handleListLoans)
	mux.HandleFunc("DELETE /v1/items/{item}/loans/{borrower}", s.handleReturnLoan)

	mux.HandleFunc("POST /v1/groups/{group}/exams", s.handleRegisterExam)
	mux.HandleFunc("POST /v1/groups/{group}/marks", s.handleAcceptMark)
	mux.HandleFunc("GET /v1/groups/{group}/students/{student}", s.handleStanding)
	mux.HandleFunc("POST /v1/groups/{group}/exams/{exam}/enrolments", s.handleEnroll)
	mux.HandleFunc("POST /v1/groups/{group}/exams/{exam}/verbalizations", s.handleRecordVerbalization)
	mux.HandleFunc("GET /v1/groups/{group}/students/{student}/verbalizations", s.handleListVerbalizations)

	mux.HandleFunc("GET /v1/ledger/outbox", s.handleOutbox)
	mux.HandleFunc("POST /v1/ledger/reconcile", s.handleReconcile)

	mux.HandleFunc("GET /v1/ws", s.handleWebsocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	var h http.Handler = mux
	if s.auth != nil {
		h = AuthMiddleware(s.auth, h)
	}
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = LoggingMiddleware(s.logger, h)
	return RequestIDMiddleware(h)
}
