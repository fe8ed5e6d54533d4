// Package mongocursor adapts the mongo driver's tailable cursor to the
// fetcher's blocking Cursor primitive.
package mongocursor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"oplogfetcher/internal/fetcher"
)

// Source drives tailable awaitData cursors against a connected client. A
// single Source serves one Fetcher; Interrupt poisons it so a racing Open
// cannot resurrect the stream after shutdown.
type Source struct {
	client    *mongo.Client
	awaitData time.Duration

	mu          sync.Mutex
	interrupted bool
}

// New wraps client as a fetcher.Cursor. awaitData bounds how long the
// server may block a getMore waiting for new oplog entries.
func New(client *mongo.Client, awaitData time.Duration) *Source {
	return &Source{client: client, awaitData: awaitData}
}

type oplogCursor struct {
	cur *mongo.Cursor
	db  *mongo.Database
}

// Open sends the find command body built by the query builder verbatim
// through RunCommandCursor, so the wire surface (filter, tailable,
// awaitData, batchSize, maxTimeMS, term) is exactly what the query builder
// produced. Only the namespace is split: the command's find field carries
// the collection name, the database part addresses the command.
func (s *Source) Open(ctx context.Context, query fetcher.QueryBody, metadataReq fetcher.MetadataBody) (fetcher.CursorHandle, error) {
	s.mu.Lock()
	if s.interrupted {
		s.mu.Unlock()
		return nil, fetcher.NewStatus(fetcher.KindCallbackCanceled, nil, "cursor source shut down")
	}
	s.mu.Unlock()
	cmd, dbName, err := splitNamespace(query)
	if err != nil {
		return nil, fetcher.NewStatus(fetcher.KindBadValue, err, "malformed find command")
	}
	db := s.client.Database(dbName)
	cur, err := db.RunCommandCursor(ctx, cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open oplog cursor on %s", dbName)
	}
	// bound the server-side wait of every implicit getMore
	cur.SetMaxTime(s.awaitData)
	log.Debugf("opened oplog cursor %d on %s", cur.ID(), dbName)
	return &oplogCursor{cur: cur, db: db}, nil
}

// NextBatch waits for the next server response, for at most the awaitData
// time, and returns all of its documents, so one call maps to one cursor
// response; an empty awaitData reply yields an empty batch. The driver
// does not surface the $replData/$oplogQueryData reply sections, so the
// replication metadata is refreshed with a hello/replSetGetRBID round trip
// instead.
func (s *Source) NextBatch(ctx context.Context, handle fetcher.CursorHandle) (fetcher.Batch, fetcher.ReplMetadata, error) {
	h := handle.(*oplogCursor)
	var docs fetcher.Batch
	if h.cur.RemainingBatchLength() == 0 {
		// a single getMore, bounded by the awaitData time set at Open
		if h.cur.TryNext(ctx) {
			docs = append(docs, copyRaw(h.cur.Current))
		} else {
			if err := h.cur.Err(); err != nil {
				return nil, fetcher.ReplMetadata{}, errors.Wrap(err, "oplog cursor receive failed")
			}
			if h.cur.ID() == 0 {
				return nil, fetcher.ReplMetadata{}, fetcher.ErrEndOfStream
			}
		}
	}
	for h.cur.RemainingBatchLength() > 0 {
		if !h.cur.Next(ctx) {
			if err := h.cur.Err(); err != nil {
				return nil, fetcher.ReplMetadata{}, errors.Wrap(err, "oplog cursor receive failed mid-batch")
			}
			break
		}
		docs = append(docs, copyRaw(h.cur.Current))
	}
	metadata, err := s.fetchReplMetadata(ctx, h.db)
	if err != nil {
		return nil, fetcher.ReplMetadata{}, err
	}
	return docs, metadata, nil
}

// Interrupt unblocks a concurrent NextBatch by closing the cursor and
// disallows opening another one through this Source.
func (s *Source) Interrupt(handle fetcher.CursorHandle) {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	if h, ok := handle.(*oplogCursor); ok && h != nil {
		_ = h.cur.Close(context.Background())
	}
}

// Close releases the cursor; the Source stays usable for a reopen.
func (s *Source) Close(ctx context.Context, handle fetcher.CursorHandle) {
	if h, ok := handle.(*oplogCursor); ok && h != nil {
		_ = h.cur.Close(ctx)
	}
}

func copyRaw(doc bson.Raw) bson.Raw {
	out := make(bson.Raw, len(doc))
	copy(out, doc)
	return out
}

// splitNamespace rewrites the find field of cmd from "db.collection" to the
// bare collection name and reports which database to address.
func splitNamespace(query fetcher.QueryBody) (bson.D, string, error) {
	cmd := make(bson.D, len(query))
	copy(cmd, query)
	for i, e := range cmd {
		if e.Key != "find" {
			continue
		}
		ns, ok := e.Value.(string)
		if !ok {
			return nil, "", errors.Errorf("find field carries %T, want string", e.Value)
		}
		dbName, coll, found := strings.Cut(ns, ".")
		if !found || coll == "" {
			return nil, "", errors.Errorf("namespace %q is not of the form db.collection", ns)
		}
		cmd[i].Value = coll
		return cmd, dbName, nil
	}
	return nil, "", errors.New("find command has no find field")
}

// fetchReplMetadata approximates the exhaust reply metadata: rollback id
// via replSetGetRBID, last-applied optime and primary from hello.
func (s *Source) fetchReplMetadata(ctx context.Context, db *mongo.Database) (fetcher.ReplMetadata, error) {
	var metadata fetcher.ReplMetadata
	admin := s.client.Database("admin")
	var rbidReply struct {
		RBID int32 `bson:"rbid"`
	}
	if err := admin.RunCommand(ctx, bson.D{{Key: "replSetGetRBID", Value: 1}}).Decode(&rbidReply); err != nil {
		return metadata, errors.Wrap(err, "failed to fetch rollback id from sync source")
	}
	metadata.RBID = rbidReply.RBID
	var helloReply struct {
		LastWrite struct {
			OpTime struct {
				TS bson.RawValue `bson:"ts"`
				T  int64         `bson:"t"`
			} `bson:"opTime"`
		} `bson:"lastWrite"`
	}
	if err := admin.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&helloReply); err != nil {
		return metadata, errors.Wrap(err, "failed to fetch hello reply from sync source")
	}
	if t, i, ok := helloReply.LastWrite.OpTime.TS.TimestampOK(); ok {
		metadata.LastOpApplied = fetcher.OpTime{
			Timestamp: primitive.Timestamp{T: t, I: i},
			Term:      helloReply.LastWrite.OpTime.T,
		}
		metadata.LastOpVisible = metadata.LastOpApplied
		metadata.LastOpCommitted = metadata.LastOpApplied
	}
	return metadata, nil
}
