// Package jobqueue dispatches scheduler work as de-duplicated jobs keyed by a
// job id and reports whether a job is still alive.
package jobqueue

import "context"

// Kind is the entity type a job works on.
type Kind string

const (
	KindBlockRun          Kind = "block_run"
	KindPipelineRun       Kind = "pipeline_run"
	KindIntegrationStream Kind = "integration_stream"
)

// JobID composes the queue key for an entity: {kind}_{entityID}.
func JobID(kind Kind, entityID string) string {
	return string(kind) + "_" + entityID
}

// StreamJobID is the key of the job running one integration stream of a run.
func StreamJobID(pipelineRunID, streamID string) string {
	return JobID(KindIntegrationStream, pipelineRunID+"_"+streamID)
}

// Func is the body of a job. The context is cancelled when the job is killed.
type Func func(ctx context.Context) error

// Queue accepts idempotent jobs. Enqueue of an id that is still active is a
// no-op reported as false.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, fn Func) (bool, error)
	HasJob(ctx context.Context, jobID string) (bool, error)
	KillJob(ctx context.Context, jobID string) error
	CleanUpJobs(ctx context.Context) error
}
