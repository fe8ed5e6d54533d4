package fetcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMakeFindQueryWireShape(t *testing.T) {
	term := int64(4)
	query := makeFindQuery("local.oplog.rs", optime(100, 1), 1000, 60000, &term)
	expected := bson.D{
		{Key: "find", Value: "local.oplog.rs"},
		{Key: "filter", Value: bson.D{{Key: "ts", Value: bson.D{{Key: "$gte", Value: primitive.Timestamp{T: 100}}}}}},
		{Key: "tailable", Value: true},
		{Key: "awaitData", Value: true},
		{Key: "exhaust", Value: true},
		{Key: "batchSize", Value: int32(1000)},
		{Key: "maxTimeMS", Value: int64(60000)},
		{Key: "term", Value: int64(4)},
	}
	require.Equal(t, expected, query)
}

func TestMakeFindQueryWithoutTerm(t *testing.T) {
	query := makeFindQuery("local.oplog.rs", optime(100, 1), 500, 2000, nil)
	for _, e := range query {
		require.NotEqual(t, "term", e.Key)
	}
}

func TestMakeMetadataRequest(t *testing.T) {
	require.Equal(t, bson.D{
		{Key: "$oplogQueryData", Value: 1},
		{Key: "$replData", Value: 1},
	}, makeMetadataRequest())
}

func TestGetFindQueryTracksFrontier(t *testing.T) {
	cursor := newFakeCursor(1)
	rec := newEnqueueRecorder()
	sd := &shutdownRecorder{}
	f, err := NewFetcher(testOptions(cursor, rec, sd))
	require.NoError(t, err)

	query := f.GetFindQuery()
	var filterTs primitive.Timestamp
	for _, e := range query {
		if e.Key == "filter" {
			ts := e.Value.(bson.D)[0].Value.(bson.D)[0].Value
			filterTs = ts.(primitive.Timestamp)
		}
	}
	require.Equal(t, primitive.Timestamp{T: 100}, filterTs)

	cursor.steps <- fakeStep{batch: Batch{testDoc(t, 100, 1), testDoc(t, 110, 1)}}
	close(cursor.steps)
	require.NoError(t, f.Start(context.TODO()))
	f.Join()

	// a restart would resume from the advanced frontier
	query = f.GetFindQuery()
	for _, e := range query {
		if e.Key == "filter" {
			ts := e.Value.(bson.D)[0].Value.(bson.D)[0].Value
			filterTs = ts.(primitive.Timestamp)
		}
	}
	require.Equal(t, primitive.Timestamp{T: 110}, filterTs)
}
