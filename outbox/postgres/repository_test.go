//go:build unit

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dltmdrb1996/jobstat-api-sub007/outbox"
)

func TestNewRepositoryRequiresDatabase(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil)
	require.ErrorIs(t, err, ErrDatabaseRequired)
}

func TestCreateRejectsNilEvent(t *testing.T) {
	t.Parallel()

	repo := &Repository{}

	require.ErrorIs(t, repo.Create(context.Background(), nil), outbox.ErrEventRequired)
	require.ErrorIs(t, repo.CreateWithTx(context.Background(), nil, nil), outbox.ErrEventRequired)
}

func TestListUnpublishedShortCircuitsOnEmptyInput(t *testing.T) {
	t.Parallel()

	repo := &Repository{}
	cutoff := time.Now().UTC()

	events, err := repo.ListUnpublished(context.Background(), cutoff, nil, 16, 100)
	require.NoError(t, err)
	require.Nil(t, events)

	events, err = repo.ListUnpublished(context.Background(), cutoff, []int{0}, 0, 100)
	require.NoError(t, err)
	require.Nil(t, events)

	events, err = repo.ListUnpublished(context.Background(), cutoff, []int{0}, 16, 0)
	require.NoError(t, err)
	require.Nil(t, events)
}

func TestInsertArgsClampsShardKeyToSignedRange(t *testing.T) {
	t.Parallel()

	event := &outbox.Event{
		ID:        42,
		EventType: "order.created",
		Payload:   []byte(`{}`),
		ShardKey:  1<<63 + 5,
		CreatedAt: time.Now(),
	}

	args := insertArgs(event)
	require.Len(t, args, 5)
	require.Equal(t, int64(42), args[0])
	require.Equal(t, int64(5), args[3])
	require.Equal(t, time.UTC, args[4].(time.Time).Location())
}
