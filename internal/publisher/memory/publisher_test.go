package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsJSON(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "done", struct {
		GID int64 `json:"gid"`
	}{GID: 42})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "done", msgs[0].Topic)
	require.JSONEq(t, `{"gid":42}`, string(msgs[0].Data))

	_, err = p.Publish(context.Background(), "done", make(chan int))
	require.Error(t, err)
	require.Len(t, p.Messages(), 1)
}
