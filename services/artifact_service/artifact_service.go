// Package artifact_service stores and retrieves document artifacts (source
// uploads, converted PDFs, enriched JSON) as URL-addressed blobs. Backed by
// viant/afs so the same code serves file://, mem:// and cloud schemes.
package artifact_service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/google/uuid"
	"github.com/viant/afs"
)

type Service struct {
	fs      afs.Service
	baseURL string
	logger  *slog.Logger
}

// New creates an artifact store rooted at baseURL, e.g.
// "file:///var/lib/docpipe/artifacts" or "mem://localhost/artifacts".
func New(baseURL string, logger *slog.Logger) *Service {
	return &Service{
		fs:      afs.New(),
		baseURL: baseURL,
		logger:  logger,
	}
}

// Write stores data under a fresh reference and returns it. The name is
// only used for its extension so refs stay opaque.
func (s *Service) Write(ctx context.Context, name string, data []byte) (string, error) {
	ref := fmt.Sprintf("%s/%s%s", s.baseURL, uuid.New().String(), path.Ext(name))
	if err := s.fs.Upload(ctx, ref, 0644, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	s.logger.Debug("Stored artifact",
		slog.String("ref", ref),
		slog.Int("size", len(data)))
	return ref, nil
}

// Read returns the bytes stored under ref.
func (s *Service) Read(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.fs.DownloadWithURL(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes the artifact under ref. Missing refs are not an error.
func (s *Service) Delete(ctx context.Context, ref string) error {
	ok, err := s.fs.Exists(ctx, ref)
	if err != nil || !ok {
		return err
	}
	return s.fs.Delete(ctx, ref)
}
