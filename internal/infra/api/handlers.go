package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/infra/i18n"
	"consultation-client/internal/infra/logging"
	"consultation-client/internal/usecase"
)

const (
	codeUnauthenticated = "unauthenticated"
	codeRateLimited     = "rate_limited"
	codeBadRequest      = "bad_request"
)

const maxBodyBytes = 64 << 10

// flowView is the flow record as sent to browsers. The background text is
// replaced by its length.
type flowView struct {
	model.Flow
	Background      string `json:"background,omitempty"`
	BackgroundRunes int    `json:"background_runes,omitempty"`
}

func viewOf(rec model.Flow) flowView {
	return flowView{Flow: rec, BackgroundRunes: utf8.RuneCountInString(rec.Background)}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Text is the display message in the caller's language.
	Text string `json:"text,omitempty"`
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, status int, body errorBody) {
	if tr, ok := r.Context().Value(localeKey{}).(*i18n.Translator); ok && body.Code != "" {
		body.Text = tr.T("error." + body.Code)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	if status >= 500 {
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeErrorBody(w, r, status, errorBody{Code: domain.Code(err), Message: err.Error()})
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorBody(w, r, http.StatusBadRequest, errorBody{Code: codeBadRequest, Message: err.Error()})
}

func (s *Server) flow(w http.ResponseWriter, r *http.Request) (usecase.FlowController, bool) {
	f, err := s.deps.Flows.Get(r.Context(), UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return f, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if s.deps.Health != nil {
		h, err := s.deps.Health.Health(r.Context())
		if err != nil {
			out["status"] = "degraded"
			out["backend_error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, out)
			return
		}
		out["backend"] = h
	}
	if s.deps.Flows != nil {
		out["active_flows"] = len(s.deps.Flows.Active())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.deps.Gate.Tiers()})
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(f.Snapshot()))
}

func (s *Server) handleSelectTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier"`
	}
	if err := decode(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	rec, err := f.SelectTier(r.Context(), tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	if req.Tier != "" {
		tier, err := model.ParseTier(req.Tier)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if _, err := f.SelectTier(r.Context(), tier); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	sess, err := f.Checkout(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID string `json:"payment_id,omitempty"`
		ReturnURL string `json:"return_url,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	ref := strings.TrimSpace(req.PaymentID)
	if ref == "" {
		ref = strings.TrimSpace(req.ReturnURL)
	}
	if ref == "" {
		s.badRequest(w, r, errors.New("payment_id or return_url is required"))
		return
	}
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	rec, err := f.ConfirmPayment(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Background string                   `json:"background,omitempty"`
		Profile    *model.BackgroundProfile `json:"profile,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	var (
		rec model.Flow
		err error
	)
	if req.Profile != nil && strings.TrimSpace(req.Background) == "" {
		rec, err = f.SubmitProfile(r.Context(), *req.Profile)
	} else {
		rec, err = f.Submit(r.Context(), req.Background)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(rec))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	rec, err := f.Retry(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(rec))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	rec, err := f.Reset(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	rec, err := f.Acknowledge(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

// artifactResponse streams the report, setting headers once the metadata is known.
type artifactResponse struct {
	w       http.ResponseWriter
	started bool
}

func (a *artifactResponse) Begin(meta model.ArtifactMeta) {
	h := a.w.Header()
	h.Set("Content-Type", meta.ContentType)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	if meta.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	}
	a.w.WriteHeader(http.StatusOK)
	a.started = true
}

func (a *artifactResponse) Write(p []byte) (int, error) {
	if !a.started {
		return 0, errors.New("artifact written before headers")
	}
	return a.w.Write(p)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	out := &artifactResponse{w: w}
	if _, err := f.Download(r.Context(), out); err != nil {
		if !out.started {
			s.writeError(w, r, err)
			return
		}
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Msg("artifact stream interrupted")
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	html, err := f.Preview(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, html)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Gate.History(r.Context(), UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.PaymentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleEvents streams the flow record as server-sent events: the current
// record first, then one event per change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorBody(w, r, http.StatusInternalServerError, errorBody{Code: domain.CodeInternal, Message: "streaming unsupported"})
		return
	}
	f, ok := s.flow(w, r)
	if !ok {
		return
	}
	updates, unsubscribe := f.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(rec model.Flow) bool {
		b, err := json.Marshal(viewOf(rec))
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: flow\ndata: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send(f.Snapshot()) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case rec := <-updates:
			if !send(rec) {
				return
			}
		}
	}
}
