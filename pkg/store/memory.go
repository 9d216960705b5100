package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

// MemoryStore implements Store in process memory. Each call holds the
// store mutex for its whole duration, which gives the per-record
// atomicity the engine relies on.
type MemoryStore struct {
	mu        sync.Mutex
	proposals map[string]*contracts.Proposal
	loans     map[string][]contracts.Loan
	sanctions map[string]contracts.Sanction
	outbox    map[string]*contracts.OutboxRecord
	required  map[string]int
	standings map[string]*contracts.Standing
	enrolled  map[string]bool
	verbal    map[string][]contracts.Verbalization
	clock     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: make(map[string]*contracts.Proposal),
		loans:     make(map[string][]contracts.Loan),
		sanctions: make(map[string]contracts.Sanction),
		outbox:    make(map[string]*contracts.OutboxRecord),
		required:  make(map[string]int),
		standings: make(map[string]*contracts.Standing),
		enrolled:  make(map[string]bool),
		verbal:    make(map[string][]contracts.Verbalization),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) Close() error { return nil }

func cloneProposal(p *contracts.Proposal, withVoters bool) *contracts.Proposal {
	cp := *p
	if p.Approved != nil {
		v := *p.Approved
		cp.Approved = &v
	}
	cp.Voters = nil
	if withVoters && len(p.Voters) > 0 {
		cp.Voters = append([]contracts.Ballot(nil), p.Voters...)
	}
	return &cp
}

func (m *MemoryStore) CreateProposal(_ context.Context, p *contracts.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.LedgerRef]; ok {
		return fmt.Errorf("proposal %s: %w", p.LedgerRef, contracts.ErrAlreadyExists)
	}
	m.proposals[p.LedgerRef] = cloneProposal(p, true)
	return nil
}

func (m *MemoryStore) GetProposal(_ context.Context, ledgerRef string) (*contracts.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[ledgerRef]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", ledgerRef, contracts.ErrNotFound)
	}
	return cloneProposal(p, true), nil
}

func (m *MemoryStore) ListProposals(_ context.Context, f contracts.ProposalFilter) ([]*contracts.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*contracts.Proposal, 0)
	for _, p := range m.proposals {
		if f.Group != "" && p.Group != f.Group {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.ApprovedOnly && (p.Status != contracts.StatusExpired || p.Approved == nil || !*p.Approved) {
			continue
		}
		out = append(out, cloneProposal(p, false))
	}
	sortProposals(out)
	return out, nil
}

func (m *MemoryStore) ListActiveProposals(ctx context.Context) ([]*contracts.Proposal, error) {
	return m.ListProposals(ctx, contracts.ProposalFilter{Status: contracts.StatusActive})
}

func sortProposals(ps []*contracts.Proposal) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].LedgerRef < ps[j].LedgerRef
	})
}

func (m *MemoryStore) RecordVote(_ context.Context, ledgerRef string, b contracts.Ballot) (*contracts.Proposal, error) {
	if _, err := tallyColumn(b.Option); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[ledgerRef]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", ledgerRef, contracts.ErrNotFound)
	}
	if !p.Active() {
		return nil, fmt.Errorf("proposal %s: %w", ledgerRef, contracts.ErrNotActive)
	}
	if p.HasVoted(b.Voter) {
		return nil, fmt.Errorf("proposal %s voter %s: %w", ledgerRef, b.Voter, contracts.ErrDuplicateVote)
	}
	p.Tally = p.Tally.Add(b.Option)
	p.Voters = append(p.Voters, b)
	return cloneProposal(p, true), nil
}

func (m *MemoryStore) ExpireProposal(_ context.Context, ledgerRef string, _ time.Time, resolve Resolver) (*contracts.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[ledgerRef]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", ledgerRef, contracts.ErrNotFound)
	}
	if !p.Active() {
		return nil, fmt.Errorf("proposal %s: %w", ledgerRef, contracts.ErrNotActive)
	}
	p.Status = contracts.StatusExpired
	outcome := resolve(p.Tally)
	approved := outcome == contracts.OutcomeApproved
	p.Outcome = outcome
	p.Approved = &approved
	return cloneProposal(p, true), nil
}

func (m *MemoryStore) PushLoan(_ context.Context, l contracts.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.loans[l.ItemID] {
		if existing.Borrower == l.Borrower {
			return fmt.Errorf("item %s borrower %s: %w", l.ItemID, l.Borrower, contracts.ErrAlreadyBorrowed)
		}
	}
	m.loans[l.ItemID] = append(m.loans[l.ItemID], l)
	return nil
}

func (m *MemoryStore) PullLoan(_ context.Context, itemID, borrower string) (*contracts.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := m.loans[itemID]
	for i, l := range loans {
		if l.Borrower == borrower {
			m.loans[itemID] = append(loans[:i:i], loans[i+1:]...)
			if len(m.loans[itemID]) == 0 {
				delete(m.loans, itemID)
			}
			return &l, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ExpireLoan(_ context.Context, itemID, borrower, loanID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := m.loans[itemID]
	for i := range loans {
		if loans[i].Borrower == borrower && loans[i].ID == loanID && !loans[i].IsExpired {
			loans[i].IsExpired = true
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListLoans(_ context.Context, itemID string) ([]contracts.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.Loan{}, m.loans[itemID]...), nil
}

func (m *MemoryStore) ListActiveLoans(_ context.Context) ([]contracts.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]contracts.Loan, 0)
	for _, loans := range m.loans {
		for _, l := range loans {
			if !l.IsExpired {
				out = append(out, l)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].Borrower < out[j].Borrower
	})
	return out, nil
}

func (m *MemoryStore) PutSanction(_ context.Context, s contracts.Sanction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sanctions[s.Identity] = s
	return nil
}

func (m *MemoryStore) DeleteSanction(_ context.Context, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sanctions[identity]
	delete(m.sanctions, identity)
	return ok, nil
}

func (m *MemoryStore) ListSanctions(_ context.Context) ([]contracts.Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]contracts.Sanction, 0, len(m.sanctions))
	for _, s := range m.sanctions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (m *MemoryStore) PutOperation(_ context.Context, op contracts.LedgerOperation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outbox[op.Key]; ok {
		return false, nil
	}
	op.Args = append([]string(nil), op.Args...)
	m.outbox[op.Key] = &contracts.OutboxRecord{
		Operation: op,
		Status:    contracts.OutboxPending,
		UpdatedAt: m.clock(),
	}
	return true, nil
}

func (m *MemoryStore) GetOperation(_ context.Context, key string) (*contracts.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[key]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", key, contracts.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListOperations(_ context.Context, status contracts.OutboxStatus) ([]*contracts.OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*contracts.OutboxRecord, 0)
	for _, rec := range m.outbox {
		if rec.Status == status {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Operation, out[j].Operation
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	})
	return out, nil
}

func (m *MemoryStore) UpdateOperation(_ context.Context, key string, status contracts.OutboxStatus, attempts int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[key]
	if !ok {
		return fmt.Errorf("operation %s: %w", key, contracts.ErrNotFound)
	}
	rec.Status = status
	rec.Attempts = attempts
	rec.LastError = lastErr
	rec.UpdatedAt = m.clock()
	return nil
}

func (m *MemoryStore) RequeueOperation(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.outbox[key]
	if !ok {
		return fmt.Errorf("operation %s: %w", key, contracts.ErrNotFound)
	}
	if rec.Status != contracts.OutboxSyncFailed {
		return fmt.Errorf("operation %s is %s: %w", key, rec.Status, contracts.ErrInvalidArgument)
	}
	rec.Status = contracts.OutboxPending
	rec.Attempts = 0
	rec.UpdatedAt = m.clock()
	return nil
}

func standingKey(group, student string) string { return group + "\x00" + student }

func (m *MemoryStore) AddRequiredCredits(_ context.Context, group string, credits int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.required[group] += credits
	return m.required[group], nil
}

func (m *MemoryStore) AcceptCredits(_ context.Context, group, student string, credits int) (contracts.Standing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := standingKey(group, student)
	st, ok := m.standings[key]
	if !ok {
		st = &contracts.Standing{Group: group, Student: student}
		m.standings[key] = st
	}
	st.Credits += credits
	st.Required = m.required[group]
	st.CanGraduate = st.Credits >= st.Required
	return *st, nil
}

func (m *MemoryStore) GetStanding(_ context.Context, group, student string) (contracts.Standing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.standings[standingKey(group, student)]
	if !ok {
		return contracts.Standing{}, fmt.Errorf("standing %s/%s: %w", group, student, contracts.ErrNotFound)
	}
	out := *st
	out.Required = m.required[group]
	return out, nil
}

func enrolmentKey(group, exam, student string) string {
	return group + "\x00" + exam + "\x00" + student
}

func (m *MemoryStore) Enroll(_ context.Context, group, exam, student string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := enrolmentKey(group, exam, student)
	if m.enrolled[key] {
		return fmt.Errorf("enrolment %s/%s/%s: %w", group, exam, student, contracts.ErrAlreadyExists)
	}
	m.enrolled[key] = true
	return nil
}

func (m *MemoryStore) RecordVerbalization(_ context.Context, v contracts.Verbalization) (contracts.Verbalization, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := standingKey(v.Group, v.Student)
	for _, existing := range m.verbal[key] {
		if existing.Exam == v.Exam {
			return contracts.Verbalization{}, false,
				fmt.Errorf("verbalization %s/%s/%s: %w", v.Group, v.Exam, v.Student, contracts.ErrAlreadyExists)
		}
	}
	v.RecordedAt = m.clock().UTC().Truncate(time.Millisecond)
	m.verbal[key] = append(m.verbal[key], v)

	ek := enrolmentKey(v.Group, v.Exam, v.Student)
	dropped := m.enrolled[ek]
	delete(m.enrolled, ek)
	return v, dropped, nil
}

func (m *MemoryStore) ListVerbalizations(_ context.Context, group, student string) ([]contracts.Verbalization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.Verbalization{}, m.verbal[standingKey(group, student)]...), nil
}
