// Package client is a typed Go client for the quorum HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

// APIError is returned when the API responds with a non-2xx status. It
// carries the fields of the RFC 7807 problem document.
type APIError struct {
	Status  int    `json:"status"`
	Title   string `json:"title"`
	Detail  string `json:"detail"`
	TraceID string `json:"trace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quorum api %d: %s (%s)", e.Status, e.Detail, e.Title)
}

// Client is a typed client for the quorum API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Token is sent as a bearer token when set.
	Token string
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Detail == "" {
			apiErr.Detail = http.StatusText(resp.StatusCode)
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// CreateProposal calls POST /v1/proposals.
func (c *Client) CreateProposal(ctx context.Context, req contracts.NewProposal) (*contracts.Proposal, error) {
	var out contracts.Proposal
	if err := c.do(ctx, http.MethodPost, "/v1/proposals", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProposal calls GET /v1/proposals/{ref}.
func (c *Client) GetProposal(ctx context.Context, ref string) (*contracts.Proposal, error) {
	var out contracts.Proposal
	if err := c.do(ctx, http.MethodGet, "/v1/proposals/"+url.PathEscape(ref), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CastVote calls POST /v1/proposals/{ref}/votes.
func (c *Client) CastVote(ctx context.Context, ref, voter, option string) (*contracts.Proposal, error) {
	var out contracts.Proposal
	body := map[string]string{"voter": voter, "option": option}
	if err := c.do(ctx, http.MethodPost, "/v1/proposals/"+url.PathEscape(ref)+"/votes", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProposals calls GET /v1/groups/{group}/proposals. state is "",
// "active" or "approved".
func (c *Client) ListProposals(ctx context.Context, group, state string) ([]*contracts.Proposal, error) {
	path := "/v1/groups/" + url.PathEscape(group) + "/proposals"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var out struct {
		Proposals []*contracts.Proposal `json:"proposals"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Proposals, err
}

// CreateLoan calls POST /v1/items/{item}/loans.
func (c *Client) CreateLoan(ctx context.Context, item, borrower string) (*contracts.Loan, error) {
	var out contracts.Loan
	body := map[string]string{"borrower": borrower}
	if err := c.do(ctx, http.MethodPost, "/v1/items/"+url.PathEscape(item)+"/loans", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReturnLoan calls DELETE /v1/items/{item}/loans/{borrower}.
func (c *Client) ReturnLoan(ctx context.Context, item, borrower string) error {
	return c.do(ctx, http.MethodDelete, "/v1/items/"+url.PathEscape(item)+"/loans/"+url.PathEscape(borrower), nil, nil)
}

// ListLoans calls GET /v1/items/{item}/loans.
func (c *Client) ListLoans(ctx context.Context, item string) ([]contracts.Loan, error) {
	var out struct {
		Loans []contracts.Loan `json:"loans"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/items/"+url.PathEscape(item)+"/loans", nil, &out)
	return out.Loans, err
}

// RegisterExam calls POST /v1/groups/{group}/exams and returns the new
// requirement.
func (c *Client) RegisterExam(ctx context.Context, group string, credits int) (int, error) {
	var out struct {
		Required int `json:"required"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/groups/"+url.PathEscape(group)+"/exams", map[string]int{"credits": credits}, &out)
	return out.Required, err
}

// AcceptMark calls POST /v1/groups/{group}/marks.
func (c *Client) AcceptMark(ctx context.Context, group, student string, credits int) (contracts.Standing, error) {
	var out contracts.Standing
	body := map[string]any{"student": student, "credits": credits}
	err := c.do(ctx, http.MethodPost, "/v1/groups/"+url.PathEscape(group)+"/marks", body, &out)
	return out, err
}

// Standing calls GET /v1/groups/{group}/students/{student}.
func (c *Client) Standing(ctx context.Context, group, student string) (contracts.Standing, error) {
	var out contracts.Standing
	err := c.do(ctx, http.MethodGet, "/v1/groups/"+url.PathEscape(group)+"/students/"+url.PathEscape(student), nil, &out)
	return out, err
}

// Enroll calls POST /v1/groups/{group}/exams/{exam}/enrolments.
func (c *Client) Enroll(ctx context.Context, group, exam, student string) error {
	path := "/v1/groups/" + url.PathEscape(group) + "/exams/" + url.PathEscape(exam) + "/enrolments"
	return c.do(ctx, http.MethodPost, path, map[string]string{"student": student}, nil)
}

// RecordVerbalization calls POST /v1/groups/{group}/exams/{exam}/verbalizations.
func (c *Client) RecordVerbalization(ctx context.Context, group, exam, student string, mark int) (contracts.Verbalization, error) {
	var out contracts.Verbalization
	path := "/v1/groups/" + url.PathEscape(group) + "/exams/" + url.PathEscape(exam) + "/verbalizations"
	err := c.do(ctx, http.MethodPost, path, map[string]any{"student": student, "mark": mark}, &out)
	return out, err
}

// Verbalizations calls GET /v1/groups/{group}/students/{student}/verbalizations.
func (c *Client) Verbalizations(ctx context.Context, group, student string) ([]contracts.Verbalization, error) {
	var out struct {
		Verbalizations []contracts.Verbalization `json:"verbalizations"`
	}
	path := "/v1/groups/" + url.PathEscape(group) + "/students/" + url.PathEscape(student) + "/verbalizations"
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Verbalizations, err
}

// Outbox calls GET /v1/ledger/outbox.
func (c *Client) Outbox(ctx context.Context, status contracts.OutboxStatus) ([]*contracts.OutboxRecord, error) {
	var out struct {
		Records []*contracts.OutboxRecord `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/ledger/outbox?status="+url.QueryEscape(string(status)), nil, &out)
	return out.Records, err
}

// Reconcile calls POST /v1/ledger/reconcile and returns how many
// operations were requeued.
func (c *Client) Reconcile(ctx context.Context) (int, error) {
	var out struct {
		Requeued int `json:"requeued"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/ledger/reconcile", nil, &out)
	return out.Requeued, err
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}
