// Package api declares the attach/execute primitive the driver is written
// against. The engine package provides the embedded implementation.
package api

import (
	"context"
	"time"

	"github.com/tomyedwab/fbdriver/types"
)

// Provider attaches to databases and service managers.
type Provider interface {
	AttachDatabase(ctx context.Context, dsn string, dpb []byte) (Attachment, error)
	CreateDatabase(ctx context.Context, dsn string, dpb []byte) (Attachment, error)
	AttachServiceManager(ctx context.Context, host string, spb []byte) (Service, error)
}

// Attachment is an open database session.
type Attachment interface {
	// ID is unique among live attachments of the provider.
	ID() int64
	StartTransaction(ctx context.Context, tpb []byte) (Transaction, error)
	// Prepare compiles sql in the context of a transaction.
	Prepare(ctx context.Context, tra Transaction, sql string, dialect int) (Statement, error)
	ExecuteImmediate(ctx context.Context, tra Transaction, sql string, dialect int) error

	CreateBlob(ctx context.Context, tra Transaction, bpb []byte) (Blob, types.Quad, error)
	OpenBlob(ctx context.Context, tra Transaction, id types.Quad, bpb []byte) (Blob, error)

	// ArrayDescriptor looks up the element type and bounds of an ARRAY column.
	ArrayDescriptor(ctx context.Context, tra Transaction, relation, field string) (*types.ArrayDesc, error)
	GetSlice(ctx context.Context, tra Transaction, id types.Quad, desc *types.ArrayDesc) ([]byte, error)
	PutSlice(ctx context.Context, tra Transaction, desc *types.ArrayDesc, data []byte) (types.Quad, error)

	// QueueEvents subscribes to named events. The callback receives the counts
	// of the events posted by each committed transaction, and keeps firing
	// until the handle is cancelled.
	QueueEvents(names []string, callback func(counts map[string]int)) (EventHandle, error)

	// Info returns database information. Unknown items are rejected with a Warning.
	Info(ctx context.Context, items []types.DbInfoCode) (map[types.DbInfoCode]any, error)
	Ping(ctx context.Context) error
	Detach(ctx context.Context) error
	DropDatabase(ctx context.Context) error
}

// Transaction is a started server transaction.
type Transaction interface {
	ID() int64
	// Prepare runs phase one of a two-phase commit.
	Prepare(ctx context.Context, message []byte) error
	Commit(ctx context.Context) error
	CommitRetaining(ctx context.Context) error
	Rollback(ctx context.Context) error
	RollbackRetaining(ctx context.Context) error
}

// Statement is a prepared statement.
type Statement interface {
	Type() types.StatementType
	Flags() types.StatementFlag
	InputMetadata() *types.MessageMetadata
	OutputMetadata() *types.MessageMetadata
	Plan(detailed bool) (string, error)
	// Execute runs a statement without a cursor. When the statement returns a
	// singleton row it is written to out and hasRow is true.
	Execute(ctx context.Context, tra Transaction, inMeta *types.MessageMetadata, in []byte, out []byte) (hasRow bool, err error)
	OpenCursor(ctx context.Context, tra Transaction, inMeta *types.MessageMetadata, in []byte, flags types.CursorFlag) (ResultSet, error)
	// AffectedRecords is the row count of the last execution, or -1.
	AffectedRecords() int64
	SetCursorName(name string) error
	Free() error
}

// ResultSet is an open cursor. Fetch methods write the row into out and
// report whether a row was produced.
type ResultSet interface {
	FetchNext(ctx context.Context, out []byte) (bool, error)
	FetchPrior(ctx context.Context, out []byte) (bool, error)
	FetchFirst(ctx context.Context, out []byte) (bool, error)
	FetchLast(ctx context.Context, out []byte) (bool, error)
	FetchAbsolute(ctx context.Context, position int, out []byte) (bool, error)
	FetchRelative(ctx context.Context, offset int, out []byte) (bool, error)
	IsEOF() bool
	IsBOF() bool
	Close() error
}

// Blob is an open BLOB.
type Blob interface {
	// GetSegment reads at most len(buf) bytes of the current segment. It
	// returns io.EOF when no data is left.
	GetSegment(buf []byte) (int, error)
	PutSegment(data []byte) error
	// Seek is only available on stream BLOBs.
	Seek(offset int64, whence int) (int64, error)
	Length() int64
	MaxSegment() int
	Type() types.BlobType
	Close() error
}

// EventHandle is an event subscription.
type EventHandle interface {
	Cancel() error
}

// Service is a service manager attachment. One job runs at a time.
type Service interface {
	Start(ctx context.Context, spb []byte) error
	// ReadLine returns the next output line of the running job. ok is false
	// when the output is finished, or when timeout expired before a line was
	// available.
	ReadLine(ctx context.Context, timeout time.Duration) (line string, ok bool, err error)
	// Running reports whether the job may still produce output.
	Running() bool
	Detach() error
}
