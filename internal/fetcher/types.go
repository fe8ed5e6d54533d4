package fetcher

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// HostAndPort identifies the remote sync source. It is immutable after
// construction.
type HostAndPort struct {
	Host string
	Port int
}

func (hp HostAndPort) String() string { return fmt.Sprintf("%s:%d", hp.Host, hp.Port) }

// Document is one opaque oplog entry. Validation only ever looks up "ts"
// and "t" on it, so it is kept as the driver's zero-copy bson.Raw view
// rather than fully unmarshalled.
type Document = bson.Raw

// Batch is an ordered, finite sequence of Documents received atomically
// from one cursor response. Batches are never reordered.
type Batch []Document

// StartingPoint is fixed at Fetcher construction and decides whether the
// leading continuity document of the very first batch is handed to the
// enqueue callback or silently dropped.
type StartingPoint int

const (
	SkipFirstDoc StartingPoint = iota
	EnqueueFirstDoc
)

func (sp StartingPoint) String() string {
	if sp == EnqueueFirstDoc {
		return "EnqueueFirstDoc"
	}
	return "SkipFirstDoc"
}

// DocumentsInfo carries per-batch statistics handed to the enqueue callback
// alongside the documents themselves.
type DocumentsInfo struct {
	NetworkDocCount int
	NetworkDocBytes int64
	ToApplyDocCount int
	ToApplyDocBytes int64
	LastDocument    OpTime
}

// ReplSetConfig is the read-only view of replica-set configuration the
// fetcher needs: the current term to attach to find commands, and the
// node's own identity for diagnostics. Sync-source validity itself is
// delegated to DataReplicatorExternalState.
type ReplSetConfig interface {
	Term() int64
	NodeHostAndPort() HostAndPort
}

// ReplMetadata is the structured replication metadata carried on every
// cursor response: $oplogQueryData and $replData combined.
type ReplMetadata struct {
	RBID            int32
	LastOpCommitted OpTime
	LastOpVisible   OpTime
	LastOpApplied   OpTime
	PrimaryIndex    int32
}

// DataReplicatorExternalState is the external sync-source/policy
// collaborator. It is consulted after every successful batch.
type DataReplicatorExternalState interface {
	// ProcessMetadata records the latest replication metadata from source.
	ProcessMetadata(source HostAndPort, metadata ReplMetadata)
	// ShouldStopFetching reports whether source should be abandoned given
	// the metadata just observed (e.g. it stepped down, or a fresher
	// source now exists).
	ShouldStopFetching(source HostAndPort, metadata ReplMetadata) bool
}

// EnqueueDocumentsFn is the downward callback to the apply pipeline. A
// non-OK return is fatal and terminates the Fetcher with that status.
type EnqueueDocumentsFn func(ctx context.Context, docs Batch, info DocumentsInfo) Status

// CursorHandle is an opaque handle to an open remote cursor.
type CursorHandle interface{}

// Cursor is the blocking remote-cursor abstraction the Fetcher drives; its
// transport is opaque to the fetcher.
type Cursor interface {
	// Open issues the find command (and attached metadata request) and
	// returns a handle to the resulting tailable/awaitData/exhaust cursor.
	Open(ctx context.Context, query QueryBody, metadataReq MetadataBody) (CursorHandle, error)
	// NextBatch blocks for at most the await-data timeout waiting for the
	// next server-pushed batch. It returns ErrEndOfStream when the remote
	// signals a clean end of the cursor.
	NextBatch(ctx context.Context, handle CursorHandle) (Batch, ReplMetadata, error)
	// Interrupt unblocks a concurrent NextBatch and disallows reconnecting
	// the underlying connection. Safe to call from any goroutine.
	Interrupt(handle CursorHandle)
	// Close releases the cursor and its connection without disallowing
	// future use of the underlying client.
	Close(ctx context.Context, handle CursorHandle)
}

// QueryBody and MetadataBody are the wire bodies produced by the query
// builder; kept as bson.D so field order on the wire is preserved.
type QueryBody = bson.D
type MetadataBody = bson.D
