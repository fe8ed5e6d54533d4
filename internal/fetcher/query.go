package fetcher

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Timeouts groups the three distinct timeouts of the cursor driver. The
// initial find gets a generous cold-start allowance; a retried find (after
// a transient failure) gets a short one so an unreachable node is detected
// promptly; getMore/awaitData is bounded by a fixed server-side duration.
type Timeouts struct {
	InitialFind time.Duration
	RetriedFind time.Duration
	AwaitData   time.Duration
}

// DefaultTimeouts gives the cold-start find an order of magnitude more
// time than a retried one.
var DefaultTimeouts = Timeouts{
	InitialFind: 2 * time.Minute,
	RetriedFind: 2 * time.Second,
	AwaitData:   2 * time.Second,
}

// makeFindQuery builds the find command body: find on the oplog namespace,
// ts >= lastFetched.Timestamp, tailable, awaitData, exhaust, the caller's
// batchSize and maxTimeMS, and the replica-set term when the config
// supplies one. The remote may use the term to reject stale readers.
func makeFindQuery(oplogNS string, lastFetched OpTime, batchSize int32, maxTimeMillis int64, term *int64) QueryBody {
	filter := bson.D{{Key: "ts", Value: bson.D{{Key: "$gte", Value: lastFetched.Timestamp}}}}
	query := bson.D{
		{Key: "find", Value: oplogNS},
		{Key: "filter", Value: filter},
		{Key: "tailable", Value: true},
		{Key: "awaitData", Value: true},
		{Key: "exhaust", Value: true},
		{Key: "batchSize", Value: batchSize},
		{Key: "maxTimeMS", Value: maxTimeMillis},
	}
	if term != nil {
		query = append(query, bson.E{Key: "term", Value: *term})
	}
	return query
}

// makeMetadataRequest asks the remote to attach replication metadata to
// every reply.
func makeMetadataRequest() MetadataBody {
	return bson.D{
		{Key: "$oplogQueryData", Value: 1},
		{Key: "$replData", Value: 1},
	}
}
