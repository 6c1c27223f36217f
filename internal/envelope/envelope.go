// Package envelope turns raw engine output into the immutable result record
// that gets delivered to the caller's webhook. Packing is a pure
// transformation: the same raw output always yields byte-identical
// envelopes, which is what makes re-delivery safe.
package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

// Failure carries the error classification for failure-outcome envelopes.
type Failure struct {
	Code    constants.FailureCode `json:"code"`
	Message string                `json:"message"`
}

// Envelope is the serialized result of one job. Immutable once created;
// a re-delivery re-sends the identical envelope.
type Envelope struct {
	TaskID  string            `json:"task_id"`
	Outcome constants.Outcome `json:"outcome"`

	NonAnonymousReportBase64 string `json:"non_anonymous_report_base64,omitempty"`
	AnonymousReportBase64    string `json:"anonymous_report_base64,omitempty"`
	NonAnonymousSize         int    `json:"non_anonymous_size,omitempty"`
	AnonymousSize            int    `json:"anonymous_size,omitempty"`
	NonAnonymousSHA256       string `json:"non_anonymous_sha256,omitempty"`
	AnonymousSHA256          string `json:"anonymous_sha256,omitempty"`

	// Pass-through context from the submission.
	UserID      *int64  `json:"user_id"`
	InvoiceID   *int64  `json:"invoice_id"`
	ExternalRef *string `json:"external_ref"`
	SourceKind  string  `json:"source_kind"`

	Error *Failure `json:"error,omitempty"`

	ProducedAt time.Time `json:"produced_at"`
}

// RawOutput is what the reporting engine hands back for a finished job.
// CompletedAt is captured by the executor when the engine returns, so the
// envelope timestamp is part of the input and packing stays deterministic.
type RawOutput struct {
	NonAnonymousReport []byte
	AnonymousReport    []byte
	CompletedAt        time.Time
}

// Pack assembles a success envelope from raw engine output.
func Pack(taskID string, desc task.Descriptor, raw RawOutput) Envelope {
	return Envelope{
		TaskID:                   taskID,
		Outcome:                  constants.OutcomeSuccess,
		NonAnonymousReportBase64: base64.StdEncoding.EncodeToString(raw.NonAnonymousReport),
		AnonymousReportBase64:    base64.StdEncoding.EncodeToString(raw.AnonymousReport),
		NonAnonymousSize:         len(raw.NonAnonymousReport),
		AnonymousSize:            len(raw.AnonymousReport),
		NonAnonymousSHA256:       digest(raw.NonAnonymousReport),
		AnonymousSHA256:          digest(raw.AnonymousReport),
		UserID:                   desc.UserID,
		InvoiceID:                desc.InvoiceID,
		ExternalRef:              desc.ExternalRef,
		SourceKind:               string(desc.Kind),
		ProducedAt:               raw.CompletedAt.UTC(),
	}
}

// PackFailure assembles a failure envelope carrying the error class.
func PackFailure(taskID string, desc task.Descriptor, code constants.FailureCode, message string, at time.Time) Envelope {
	return Envelope{
		TaskID:      taskID,
		Outcome:     constants.OutcomeFailure,
		UserID:      desc.UserID,
		InvoiceID:   desc.InvoiceID,
		ExternalRef: desc.ExternalRef,
		SourceKind:  string(desc.Kind),
		Error:       &Failure{Code: code, Message: message},
		ProducedAt:  at.UTC(),
	}
}

// Encode serializes the envelope as compact JSON. Field order is fixed by
// the struct, so equal envelopes encode to equal bytes.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a delivered envelope body.
func Decode(body []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(body, &e)
	return e, err
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
