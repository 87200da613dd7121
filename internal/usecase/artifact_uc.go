// File: internal/usecase/artifact_uc.go
package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/adapter"
	"consultation-client/internal/infra/logging"
	"consultation-client/internal/infra/metrics"
)

// Compile-time check
var _ ArtifactRetriever = (*artifactUC)(nil)

// ArtifactRetriever fetches finished reports. It does not re-check job
// status; callers only ask for completed jobs.
type ArtifactRetriever interface {
	// Download copies the report to w byte for byte.
	Download(ctx context.Context, jobID string, w io.Writer) (*model.ArtifactMeta, error)
	Fetch(ctx context.Context, jobID string) (*model.Artifact, error)
	Preview(ctx context.Context, jobID string) (string, error)
	Markdown(ctx context.Context, jobID string) (string, error)
}

// ArtifactSink is a writer that needs the report metadata before the first
// byte, such as an HTTP response setting its headers.
type ArtifactSink interface {
	io.Writer
	Begin(meta model.ArtifactMeta)
}

type artifactUC struct {
	jobs    adapter.JobBackend
	timeout time.Duration
	logger  *zerolog.Logger
}

func NewArtifactRetriever(jobs adapter.JobBackend, timeout time.Duration, logger *zerolog.Logger) *artifactUC {
	return &artifactUC{jobs: jobs, timeout: timeout, logger: logger}
}

func (a *artifactUC) Download(ctx context.Context, jobID string, w io.Writer) (*model.ArtifactMeta, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	log := logging.With(logging.WithJobID(ctx, jobID), a.logger)

	body, meta, err := a.jobs.DownloadReport(ctx, jobID)
	if err != nil {
		return nil, classifyArtifactError(err)
	}
	defer body.Close()

	if sink, ok := w.(ArtifactSink); ok {
		sink.Begin(meta)
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return nil, fmt.Errorf("copy report: %w", err)
	}
	if meta.Size >= 0 && n != meta.Size {
		return nil, fmt.Errorf("copy report: got %d bytes, expected %d", n, meta.Size)
	}
	meta.Size = n
	metrics.AddArtifactBytes(n)
	log.Info().Str("filename", meta.Filename).Int64("bytes", n).Msg("report downloaded")
	return &meta, nil
}

func (a *artifactUC) Fetch(ctx context.Context, jobID string) (*model.Artifact, error) {
	var buf bytes.Buffer
	meta, err := a.Download(ctx, jobID, &buf)
	if err != nil {
		return nil, err
	}
	return &model.Artifact{ArtifactMeta: *meta, Data: buf.Bytes()}, nil
}

func (a *artifactUC) Preview(ctx context.Context, jobID string) (string, error) {
	html, err := a.jobs.PreviewReport(ctx, jobID)
	if err != nil {
		return "", classifyArtifactError(err)
	}
	return html, nil
}

func (a *artifactUC) Markdown(ctx context.Context, jobID string) (string, error) {
	md, err := a.jobs.MarkdownReport(ctx, jobID)
	if err != nil {
		return "", classifyArtifactError(err)
	}
	return md, nil
}

func classifyArtifactError(err error) error {
	switch domain.StatusOf(err) {
	case http.StatusBadRequest, http.StatusConflict:
		return fmt.Errorf("%w: %w", domain.ErrNotReady, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	return err
}
