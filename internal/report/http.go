package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/SalmaAmgarou/invoice/internal/common"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

// HTTPEngine calls a remote reporting service. It reads the job's input
// artifacts from disk, ships them base64-encoded, and maps the response
// onto Output. Request deadlines come from the caller's context, so the
// executor's hard timeout aborts the call.
type HTTPEngine struct {
	cfg    common.EngineConfig
	client *http.Client
	logger *slog.Logger
}

func NewHTTPEngine(cfg common.EngineConfig, logger *slog.Logger) *HTTPEngine {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPEngine{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type engineRequest struct {
	Kind          string   `json:"kind"`
	FilesBase64   []string `json:"files_base64"`
	EnergyMode    string   `json:"energy_mode"`
	ConfidenceMin float64  `json:"confidence_min"`
	Strict        bool     `json:"strict"`
}

type engineResponse struct {
	NonAnonymousReportBase64 string `json:"non_anonymous_report_base64"`
	AnonymousReportBase64    string `json:"anonymous_report_base64"`
	Error                    string `json:"error,omitempty"`
}

func (e *HTTPEngine) Process(ctx context.Context, desc task.Descriptor) (Output, error) {
	files := make([]string, 0, len(desc.FilePaths))
	for _, p := range desc.FilePaths {
		b, err := os.ReadFile(p)
		if err != nil {
			return Output{}, common.NewAppError("ENGINE_INPUT", "reading input artifact", common.ErrInvalidInput)
		}
		files = append(files, base64.StdEncoding.EncodeToString(b))
	}

	raw, status, err := e.sendJSON(ctx, engineRequest{
		Kind:          string(desc.Kind),
		FilesBase64:   files,
		EnergyMode:    desc.EnergyMode,
		ConfidenceMin: desc.ConfidenceMin,
		Strict:        desc.Strict,
	})
	if err != nil {
		if status/100 == 4 {
			return Output{}, common.NewAppError("ENGINE_REJECTED", "engine rejected input", common.ErrInvalidInput)
		}
		return Output{}, common.NewAppError("ENGINE_CALL", "engine call failed", common.ErrProcessing)
	}

	var resp engineResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Output{}, common.NewAppError("ENGINE_DECODE", "decoding engine response", common.ErrProcessing)
	}
	if resp.Error != "" {
		return Output{}, common.NewAppError("ENGINE_ERROR", resp.Error, common.ErrProcessing)
	}

	nonAnon, err := base64.StdEncoding.DecodeString(resp.NonAnonymousReportBase64)
	if err != nil {
		return Output{}, common.NewAppError("ENGINE_DECODE", "decoding report", common.ErrProcessing)
	}
	anon, err := base64.StdEncoding.DecodeString(resp.AnonymousReportBase64)
	if err != nil {
		return Output{}, common.NewAppError("ENGINE_DECODE", "decoding anonymized report", common.ErrProcessing)
	}
	return Output{NonAnonymousReport: nonAnon, AnonymousReport: anon}, nil
}

// sendJSON posts a JSON body and returns the raw response. Mirrors the
// request/response logging of the rest of the service's HTTP edges.
func (e *HTTPEngine) sendJSON(ctx context.Context, body any) ([]byte, int, error) {
	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		e.logger.Error("engine.http.encode_error", "req_id", reqID, "error", err)
		return nil, 0, fmt.Errorf("encode json: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(bs))
	if err != nil {
		e.logger.Error("engine.http.build_request_error", "req_id", reqID, "error", err)
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	e.logger.Info("engine.http.request", "req_id", reqID, "url", e.cfg.URL, "content_length", len(bs))

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Error("engine.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, 0, err
	}
	defer func(rc io.ReadCloser) {
		if cerr := rc.Close(); cerr != nil {
			e.logger.Warn("engine.http.response_body_close_error", "req_id", reqID, "error", cerr)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)

	e.logger.Info("engine.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return raw, resp.StatusCode, fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return raw, resp.StatusCode, nil
}
