package constants

// JobStatus is the canonical status for rows in the jobs table.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusQueued    JobStatus = "QUEUED"    // waiting to be claimed
	JobStatusRunning   JobStatus = "RUNNING"   // leased by a worker
	JobStatusSucceeded JobStatus = "SUCCEEDED" // processed and delivered (or no webhook configured)
	JobStatusFailed    JobStatus = "FAILED"    // terminal processing failure, envelope delivered
	JobStatusDead      JobStatus = "DEAD"      // exhausted retries, retained for operators
)

// FailureCode classifies why a job's envelope carries a failure outcome.
type FailureCode string

const (
	FailureInvalidInput FailureCode = "invalid_input"
	FailureProcessing   FailureCode = "processing_error"
	FailureTimeout      FailureCode = "timeout"
	FailureInternal     FailureCode = "internal"
)

// Outcome is the terminal verdict carried by a result envelope.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)
