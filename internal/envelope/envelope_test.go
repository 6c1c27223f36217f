package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/SalmaAmgarou/invoice/constants"
	"github.com/SalmaAmgarou/invoice/internal/task"
)

func testDescriptor() task.Descriptor {
	uid := int64(42)
	ref := "order-4711"
	return task.Descriptor{
		Kind:        constants.KindPDF,
		UserID:      &uid,
		ExternalRef: &ref,
	}
}

func TestPackDeterministic(t *testing.T) {
	raw := RawOutput{
		NonAnonymousReport: []byte("full report"),
		AnonymousReport:    []byte("anon report"),
		CompletedAt:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	desc := testDescriptor()

	first, err := Pack("task-1", desc, raw).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := Pack("task-1", desc, raw).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("packing the same raw output twice produced different bytes")
	}
}

func TestPackDigestsAndSizes(t *testing.T) {
	report := []byte("full report")
	raw := RawOutput{
		NonAnonymousReport: report,
		AnonymousReport:    []byte("anon"),
		CompletedAt:        time.Now(),
	}
	env := Pack("task-1", testDescriptor(), raw)

	if env.NonAnonymousSize != len(report) {
		t.Fatalf("size = %d, want %d", env.NonAnonymousSize, len(report))
	}
	sum := sha256.Sum256(report)
	if env.NonAnonymousSHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("sha256 mismatch: %s", env.NonAnonymousSHA256)
	}
	if env.Outcome != constants.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", env.Outcome)
	}
	if env.SourceKind != "pdf" {
		t.Fatalf("source_kind = %s, want pdf", env.SourceKind)
	}
}

func TestPackFailureCarriesErrorClass(t *testing.T) {
	env := PackFailure("task-2", testDescriptor(), constants.FailureTimeout, "hard deadline exceeded", time.Now())
	if env.Outcome != constants.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", env.Outcome)
	}
	if env.Error == nil || env.Error.Code != constants.FailureTimeout {
		t.Fatalf("error = %+v, want timeout code", env.Error)
	}
	if env.NonAnonymousReportBase64 != "" {
		t.Fatal("failure envelope must not carry report payloads")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw := RawOutput{
		NonAnonymousReport: []byte("full"),
		AnonymousReport:    []byte("anon"),
		CompletedAt:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env := Pack("task-3", testDescriptor(), raw)

	body, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TaskID != env.TaskID || got.NonAnonymousSHA256 != env.NonAnonymousSHA256 {
		t.Fatalf("round trip mutated the envelope: %+v", got)
	}
	if got.ExternalRef == nil || *got.ExternalRef != "order-4711" {
		t.Fatalf("external ref lost: %+v", got.ExternalRef)
	}
}

func TestPassThroughFieldsAlwaysPresent(t *testing.T) {
	env := Pack("task-4", task.Descriptor{Kind: constants.KindImages}, RawOutput{CompletedAt: time.Now()})
	body, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, key := range []string{`"user_id":null`, `"invoice_id":null`, `"external_ref":null`} {
		if !bytes.Contains(body, []byte(key)) {
			t.Fatalf("body missing %s: %s", key, body)
		}
	}
}
