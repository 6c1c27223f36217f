package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/SalmaAmgarou/invoice/internal/queue"
)

// Service is a tiny façade over the queue that produces XLSX bytes for
// operator exports of the dead-letter set.
type Service struct {
	queue    queue.Queue
	attempts queue.AttemptRecorder
	logger   *slog.Logger
}

func NewService(q queue.Queue, attempts queue.AttemptRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{queue: q, attempts: attempts, logger: logger}
}

// ExportDeadLettersXLSX returns an XLSX workbook (as bytes) listing every
// dead-lettered job with its attempt history, enough to decide on a manual
// re-delivery.
func (s *Service) ExportDeadLettersXLSX(ctx context.Context) ([]byte, error) {
	start := time.Now()

	jobs, err := s.queue.DeadLetters(ctx)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "DeadLetters"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Task ID",
		"Kind",
		"Submitted At",
		"Attempts",
		"Last Error",
		"Webhook URL",
		"Delivery Attempts",
		"Last Delivery Status",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, job := range jobs {
		deliveries := 0
		lastStatus := ""
		if s.attempts != nil {
			recs, err := s.attempts.Attempts(ctx, job.ID)
			if err == nil && len(recs) > 0 {
				deliveries = len(recs)
				last := recs[len(recs)-1]
				if last.Err != "" {
					lastStatus = last.Err
				} else {
					lastStatus = fmt.Sprintf("HTTP %d", last.StatusCode)
				}
			}
		}

		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, job.ID)
		write(2, string(job.Descriptor.Kind))
		write(3, job.SubmittedAt.Format("2006-01-02 15:04:05"))
		write(4, job.Attempts)
		write(5, truncate(job.LastError, 140))
		write(6, job.WebhookURL)
		write(7, deliveries)
		write(8, lastStatus)

		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 38) // task id
	_ = f.SetColWidth(sheet, "B", "B", 10)
	_ = f.SetColWidth(sheet, "C", "C", 20)
	_ = f.SetColWidth(sheet, "E", "E", 48) // last error
	_ = f.SetColWidth(sheet, "F", "F", 48) // webhook url
	_ = f.SetColWidth(sheet, "H", "H", 24)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(jobs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
