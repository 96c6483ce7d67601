package acquire

import (
	"context"
	"time"
)

// Fetcher retrieves a raw document.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Document, error)
}

// Extractor turns a raw document into structured fields or fails with an
// *ExtractionError.
type Extractor interface {
	Extract(doc Document, profile SourceProfile) (ExtractedFields, error)
}

// Persister stores validated records and returns their identifiers.
type Persister interface {
	Persist(ctx context.Context, record Record) (string, error)
}

// RecordStats summarizes persisted records.
type RecordStats interface {
	Summary(ctx context.Context) (RecordSummary, error)
}

// JobStore keeps job snapshots.
type JobStore interface {
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, status JobStatus) ([]Job, error)
}

// BlobStore writes opaque objects, used for the quarantine area.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher emits notifications about persisted records.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Pinger reports connectivity of a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
