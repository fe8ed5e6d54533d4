package fetcher

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestStatusFromError(t *testing.T) {
	// a Status passes through unchanged
	orig := NewStatus(KindOplogOutOfOrder, nil, "bad batch")
	require.Equal(t, KindOplogOutOfOrder, statusFromError(orig).Kind)

	require.Equal(t, KindCallbackCanceled, statusFromError(context.Canceled).Kind)
	require.Equal(t, KindExceededTimeLimit, statusFromError(context.DeadlineExceeded).Kind)

	// auth rejections fail fast instead of burning the restart budget
	authErr := mongo.CommandError{Code: 18, Name: "AuthenticationFailed", Message: "auth failed"}
	st := statusFromError(authErr)
	require.Equal(t, KindUnauthorized, st.Kind)
	require.True(t, st.Fatal())
	st = statusFromError(errors.Wrap(mongo.CommandError{Code: 13, Name: "Unauthorized"}, "find failed"))
	require.Equal(t, KindUnauthorized, st.Kind)

	// any other server error is left to the restart policy
	st = statusFromError(mongo.CommandError{Code: 11600, Name: "InterruptedAtShutdown"})
	require.Equal(t, KindNetworkError, st.Kind)
	require.False(t, st.Fatal())

	require.Equal(t, KindNetworkError, statusFromError(errors.New("connection reset")).Kind)
}
