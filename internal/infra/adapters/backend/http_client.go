// File: internal/infra/adapters/backend/http_client.go
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/adapter"

	"github.com/google/uuid"
)

var _ adapter.Backend = (*HTTPClient)(nil)

// HTTPClient implements adapter.Backend against the report service REST API.
// Per-call deadlines come from the caller's context; RequestTimeout only
// bounds calls made without one.
type HTTPClient struct {
	baseURL        string
	client         *http.Client
	requestTimeout time.Duration
	userAgent      string
}

type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client (tests, custom transports).
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(h *HTTPClient) { h.requestTimeout = d }
}

func WithUserAgent(ua string) Option {
	return func(h *HTTPClient) { h.userAgent = ua }
}

func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend base url empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url scheme %q", u.Scheme)
	}
	h := &HTTPClient{
		baseURL:        baseURL,
		client:         &http.Client{},
		requestTimeout: 15 * time.Second,
		userAgent:      "consultation-client",
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

func (h *HTTPClient) endpoint(path string, query url.Values) string {
	s := h.baseURL + path
	if len(query) > 0 {
		s += "?" + query.Encode()
	}
	return s
}

// newRequest builds a request and, when ctx carries no deadline, applies the
// default timeout. The returned cancel must be called once the body is consumed.
func (h *HTTPClient) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok && h.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.endpoint(path, query), rdr)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, cancel, nil
}

// doJSON performs a JSON round trip; out may be nil.
func (h *HTTPClient) doJSON(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	req, cancel, err := h.newRequest(ctx, method, path, query, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer cancel()
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// decodeError reads a FastAPI style {"detail": ...} body into a BackendError.
func decodeError(op string, resp *http.Response) error {
	be := &domain.BackendError{Op: op, StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	var env struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil {
		var s string
		switch {
		case len(env.Detail) > 0 && json.Unmarshal(env.Detail, &s) == nil:
			be.Detail = s
		case len(env.Detail) > 0:
			be.Detail = string(env.Detail) // validation errors arrive as a list
		default:
			be.Detail = env.Error
		}
	}
	if be.Detail == "" {
		be.Detail = strings.TrimSpace(string(raw))
	}
	return be
}

func (h *HTTPClient) CreateCheckoutSession(ctx context.Context, userID string, tier model.Tier) (*model.CheckoutSession, error) {
	payload := map[string]any{
		"user_id": userID,
		"tier":    string(tier),
	}
	var out model.CheckoutSession
	if err := h.doJSON(ctx, "create checkout session", http.MethodPost, "/api/payment/create-session", nil, payload, &out); err != nil {
		return nil, err
	}
	if out.CheckoutURL == "" {
		return nil, errors.New("create checkout session: empty checkout_url")
	}
	return &out, nil
}

func (h *HTTPClient) VerifyPayment(ctx context.Context, reference string) (*model.PaymentVerification, error) {
	var out struct {
		Valid     bool   `json:"valid"`
		Status    string `json:"status"`
		Reason    string `json:"reason"`
		PaymentID string `json:"payment_id"`
		UserID    string `json:"user_id"`
	}
	path := "/api/payment/verify/" + url.PathEscape(reference)
	if err := h.doJSON(ctx, "verify payment", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	v := &model.PaymentVerification{
		Reference: reference,
		Valid:     out.Valid,
		Status:    model.ParsePaymentStatus(out.Status),
		Reason:    out.Reason,
		UserID:    out.UserID,
	}
	if v.Status == model.PaymentStatusUnknown {
		v.Status = statusFromReason(out.Reason)
	}
	return v, nil
}

// statusFromReason recovers the status from "Payment already <status>"
// answers, which carry no status field.
func statusFromReason(reason string) model.PaymentStatus {
	r := strings.ToLower(reason)
	if i := strings.LastIndex(r, "already "); i >= 0 {
		return model.ParsePaymentStatus(strings.Trim(r[i+len("already "):], " ."))
	}
	return model.PaymentStatusUnknown
}

func (h *HTTPClient) RequestRetryCredit(ctx context.Context, reference string) (*model.RetryCredit, error) {
	var out model.RetryCredit
	path := "/api/payment/refund/" + url.PathEscape(reference)
	if err := h.doJSON(ctx, "request retry credit", http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Reference == "" {
		out.Reference = reference
	}
	return &out, nil
}

func (h *HTTPClient) PaymentHistory(ctx context.Context, userID string) ([]model.PaymentRecord, error) {
	var out struct {
		Consultations []struct {
			PaymentID string  `json:"payment_id"`
			Amount    float64 `json:"amount"`
			Status    string  `json:"status"`
			JobID     *string `json:"job_id"`
			CreatedAt string  `json:"created_at"`
		} `json:"consultations"`
	}
	path := "/api/payment/history/" + url.PathEscape(userID)
	if err := h.doJSON(ctx, "payment history", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	records := make([]model.PaymentRecord, 0, len(out.Consultations))
	for _, c := range out.Consultations {
		rec := model.PaymentRecord{
			Reference: c.PaymentID,
			Amount:    c.Amount,
			Status:    model.ParsePaymentStatus(c.Status),
			CreatedAt: parseTime(c.CreatedAt),
		}
		if c.JobID != nil {
			rec.JobID = *c.JobID
		}
		records = append(records, rec)
	}
	return records, nil
}

func (h *HTTPClient) SubmitJob(ctx context.Context, sub model.Submission) (*model.Job, error) {
	payload := map[string]any{
		"background": sub.Background,
		"user_id":    sub.UserID,
	}
	q := url.Values{"payment_id": []string{sub.PaymentReference}}
	var out struct {
		JobID         string `json:"job_id"`
		Status        string `json:"status"`
		Message       string `json:"message"`
		EstimatedTime string `json:"estimated_time"`
	}
	if err := h.doJSON(ctx, "submit job", http.MethodPost, "/api/submit", q, payload, &out); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		return nil, errors.New("submit job: empty job_id")
	}
	status := model.ParseJobStatus(out.Status)
	if status == "" {
		status = model.JobStatusQueued
	}
	return &model.Job{
		ID:            out.JobID,
		Status:        status,
		Progress:      0,
		Message:       out.Message,
		EstimatedTime: out.EstimatedTime,
	}, nil
}

func (h *HTTPClient) JobStatus(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	var out struct {
		JobID    string       `json:"job_id"`
		Status   string       `json:"status"`
		Progress flexProgress `json:"progress"`
		Error    string       `json:"error"`
		Detail   string       `json:"detail"`
	}
	path := "/api/status/" + url.PathEscape(jobID)
	if err := h.doJSON(ctx, "job status", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	status := model.ParseJobStatus(out.Status)
	if status == "" {
		return nil, fmt.Errorf("job status: unknown status %q", out.Status)
	}
	snap := &model.JobSnapshot{
		JobID:       jobID,
		Status:      status,
		Progress:    out.Progress.Percent,
		HasProgress: out.Progress.Known,
		Message:     out.Progress.Message,
		ObservedAt:  time.Now(),
	}
	if status == model.JobStatusFailed {
		snap.Error = out.Error
		if snap.Error == "" {
			snap.Error = out.Detail
		}
		if snap.Error == "" {
			snap.Error = out.Progress.Message
		}
	}
	return snap, nil
}

func (h *HTTPClient) DownloadReport(ctx context.Context, jobID string) (io.ReadCloser, model.ArtifactMeta, error) {
	const op = "download report"
	meta := model.ArtifactMeta{JobID: jobID, Size: -1}
	req, cancel, err := h.newRequest(ctx, http.MethodGet, "/api/results/"+url.PathEscape(jobID)+"/download", nil, nil)
	if err != nil {
		return nil, meta, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/pdf, application/octet-stream")
	resp, err := h.client.Do(req)
	if err != nil {
		cancel()
		return nil, meta, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		return nil, meta, decodeError(op, resp)
	}
	meta.ContentType = resp.Header.Get("Content-Type")
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	meta.Filename = filenameFrom(resp.Header.Get("Content-Disposition"), jobID)
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		meta.Size = n
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, meta, nil
}

func (h *HTTPClient) PreviewReport(ctx context.Context, jobID string) (string, error) {
	const op = "preview report"
	req, cancel, err := h.newRequest(ctx, http.MethodGet, "/api/results/"+url.PathEscape(jobID)+"/preview", nil, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer cancel()
	req.Header.Set("Accept", "text/html")
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeError(op, resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return string(b), nil
}

func (h *HTTPClient) MarkdownReport(ctx context.Context, jobID string) (string, error) {
	var out struct {
		Markdown string `json:"markdown"`
	}
	path := "/api/results/" + url.PathEscape(jobID) + "/markdown"
	if err := h.doJSON(ctx, "markdown report", http.MethodGet, path, nil, nil, &out); err != nil {
		return "", err
	}
	return out.Markdown, nil
}

func (h *HTTPClient) Health(ctx context.Context) (*adapter.BackendHealth, error) {
	var out adapter.BackendHealth
	if err := h.doJSON(ctx, "health", http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// cancelOnClose releases the request context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func filenameFrom(disposition, jobID string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return "report_" + short + ".pdf"
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
