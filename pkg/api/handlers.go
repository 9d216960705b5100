package api

import (
	"net/http"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req contracts.NewProposal
	if err := s.schemas.decode(w, r, "proposal", &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if !actingAs(w, r, req.Proposer) {
		return
	}
	p, err := s.lifecycle.CreateProposal(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.lifecycle.GetProposal(r.Context(), r.PathValue("ref"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type voteRequest struct {
	Voter  string `json:"voter"`
	Option string `json:"option"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := s.schemas.decode(w, r, "vote", &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if !actingAs(w, r, req.Voter) {
		return
	}
	p, err := s.lifecycle.CastVote(r.Context(), r.PathValue("ref"), req.Voter, req.Option)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleListProposals serves ?state=active|approved; no state lists all.
func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	f := contracts.ProposalFilter{Group: r.PathValue("group")}
	switch state := r.URL.Query().Get("state"); state {
	case "":
	case "active":
		f.Status = contracts.StatusActive
	case "approved":
		f.ApprovedOnly = true
	default:
		WriteBadRequest(w, r, "state must be active or approved")
		return
	}
	ps, err := s.lifecycle.ListProposals(r.Context(), f)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": ps})
}

type loanRequest struct {
	Borrower string `json:"borrower"`
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if err := s.schemas.decode(w, r, "loan", &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if !actingAs(w, r, req.Borrower) {
		return
	}
	l, err := s.lifecycle.CreateLoan(r.Context(), r.PathValue("item"), req.Borrower)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := s.lifecycle.ListLoans(r.Context(), r.PathValue("item"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": loans})
}

func (s *Server) handleReturnLoan(w http.ResponseWriter, r *http.Request) {
	borrower := r.PathValue("borrower")
	if !actingAs(w, r, borrower) {
		return
	}
	if err := s.lifecycle.ReturnLoan(r.Context(), r.PathValue("item"), borrower); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type examRequest struct {
	Credits int `json:"credits"`
}

func (s *Server) handleRegisterExam(w http.ResponseWriter, r *http.Request) {
	var req examRequest
	if err := s.schemas.decode(w, r, "exam", &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	group := r.PathValue("group")
	required, err := s.credits.RegisterExam(r.Context(), group, req.Credits)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": group, "required": required})
}

type markRequest struct {
	Student string `json:"student"`
	Credits int    `json:"credits"`
}

func (s *Server) handleAcceptMark(w http.ResponseWriter, r *http.Request) {
	var req markRequest
	if err := s.schemas.decode(w, r, "mark", &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	st, err := s.credits.AcceptMark(r.Context(), r.PathValue("group"), req.Student, req.Credits)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type enrolRequest struct {
	Student string `json:"student"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrolRequest
	if err := s.schemas.decode(w, r, "enrolment", &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if !actingAs(w, r, req.Student) {
		return
	}
	if err := s.credits.Enroll(r.Context(), r.PathValue("group"), r.PathValue("exam"), req.Student); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verbalizationRequest struct {
	Student string `json:"student"`
	Mark    int    `json:"mark"`
}

func (s *Server) handleRecordVerbalization(w http.ResponseWriter, r *http.Request) {
	var req verbalizationRequest
	if err := s.schemas.decode(w, r, "verbalization", &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	v, err := s.credits.RecordVerbalization(r.Context(), r.PathValue("group"), r.PathValue("exam"), req.Student, req.Mark)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleListVerbalizations(w http.ResponseWriter, r *http.Request) {
	list, err := s.credits.Verbalizations(r.Context(), r.PathValue("group"), r.PathValue("student"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verbalizations": list})
}

func (s *Server) handleStanding(w http.ResponseWriter, r *http.Request) {
	st, err := s.credits.Standing(r.Context(), r.PathValue("group"), r.PathValue("student"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	status := contracts.OutboxStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = contracts.OutboxSyncFailed
	case contracts.OutboxPending, contracts.OutboxDone, contracts.OutboxSyncFailed:
	default:
		WriteBadRequest(w, r, "status must be PENDING, DONE or SYNC_FAILED")
		return
	}
	recs, err := s.outbox.Records(r.Context(), status)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "records": recs})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	n, err := s.outbox.Reconcile(r.Context())
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "outbox reconciled", "requeued", n)
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			WriteError(w, r, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
