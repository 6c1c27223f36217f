// Package archive is a best-effort secondary consumer of the envelope
// stream: it keeps decoded report artifacts on local disk for audits.
// Failures here are logged and never reach the primary delivery path.
package archive

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/envelope"
)

// Sink writes one directory per task under the archive root.
type Sink struct {
	root string
	log  *slog.Logger
}

func NewSink(root string, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{root: root, log: log}
}

func (s *Sink) Consume(_ context.Context, env envelope.Envelope) error {
	if s.root == "" || env.Outcome != constants.OutcomeSuccess {
		return nil
	}
	dir := filepath.Join(s.root, env.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := s.writeReport(dir, "report.pdf", env.NonAnonymousReportBase64); err != nil {
		return err
	}
	if err := s.writeReport(dir, "report_anonymous.pdf", env.AnonymousReportBase64); err != nil {
		return err
	}
	s.log.Info("archive.ok", "task_id", env.TaskID, "dir", dir)
	return nil
}

func (s *Sink) writeReport(dir, name, b64 string) error {
	if b64 == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), b, 0o644)
}
