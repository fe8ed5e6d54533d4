// Package applypipeline buffers fetched oplog batches into a local
// collection. It is a minimal consumer for the fetcher's enqueue callback;
// it does not apply operations, resolve conflicts or roll back.
package applypipeline

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"oplogfetcher/internal/fetcher"
)

// bulkWriter is the slice of *mongo.Collection the pipeline writes through.
type bulkWriter interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
}

// Pipeline accumulates enqueued documents into a bulk-write batch and
// flushes when either the model count or the time since the last flush
// crosses its threshold.
type Pipeline struct {
	dst        bulkWriter
	maxBatch   int
	flushEvery time.Duration

	mu         sync.Mutex
	models     []mongo.WriteModel
	totalBytes int64
	lastFlush  time.Time
	lastOpTime fetcher.OpTime
}

// New builds a Pipeline writing into dst. maxBatch bounds the buffered
// model count, flushEvery bounds how stale the buffer may get.
func New(dst *mongo.Collection, maxBatch int, flushEvery time.Duration) *Pipeline {
	return newPipeline(dst, maxBatch, flushEvery)
}

func newPipeline(dst bulkWriter, maxBatch int, flushEvery time.Duration) *Pipeline {
	return &Pipeline{
		dst:        dst,
		maxBatch:   maxBatch,
		flushEvery: flushEvery,
		lastFlush:  time.Now(),
	}
}

// Enqueue is the fetcher.EnqueueDocumentsFn of this pipeline. A flush
// failure is returned as a non-OK status, which terminates the fetcher.
func (p *Pipeline) Enqueue(ctx context.Context, docs fetcher.Batch, info fetcher.DocumentsInfo) fetcher.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, doc := range docs {
		p.models = append(p.models, mongo.NewInsertOneModel().SetDocument(doc))
	}
	p.totalBytes += info.ToApplyDocBytes
	p.lastOpTime = info.LastDocument
	log.Tracef("apply pipeline buffered %d documents up to %s, %d pending", len(docs), info.LastDocument, len(p.models))
	if len(p.models) < p.maxBatch && time.Since(p.lastFlush) < p.flushEvery {
		return fetcher.OKStatus
	}
	return p.flushLocked(ctx)
}

// Flush writes out whatever is buffered. Called by the owner on shutdown
// so the tail of the stream is not lost.
func (p *Pipeline) Flush(ctx context.Context) fetcher.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(ctx)
}

// LastOpTime reports the OpTime of the newest buffered or flushed entry.
func (p *Pipeline) LastOpTime() fetcher.OpTime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOpTime
}

func (p *Pipeline) flushLocked(ctx context.Context) fetcher.Status {
	if len(p.models) == 0 {
		p.lastFlush = time.Now()
		return fetcher.OKStatus
	}
	ordered := true
	start := time.Now()
	r, err := p.dst.BulkWrite(ctx, p.models, &options.BulkWriteOptions{Ordered: &ordered})
	if err != nil {
		return fetcher.NewStatus(fetcher.KindNetworkError, err,
			"apply pipeline failed to flush %d buffered documents", len(p.models))
	}
	log.Debugf("apply pipeline flushed %d documents (%d bytes) in %s: %+v",
		len(p.models), p.totalBytes, time.Since(start), r)
	p.models = nil
	p.totalBytes = 0
	p.lastFlush = time.Now()
	return fetcher.OKStatus
}
