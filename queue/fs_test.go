package queue

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *FsStorage {
	t.Helper()
	root := t.TempDir()
	s, err := NewFsStorage(root)
	require.NoError(t, err)
	return s
}

func enqueueOne(t *testing.T, s *FsStorage, body string, recipients ...string) []QueueId {
	t.Helper()
	ctx := context.Background()
	enq, err := s.Enqueue(ctx)
	require.NoError(t, err)
	_, err = enq.Write([]byte(body))
	require.NoError(t, err)
	var specs []DestinationSpec
	for _, rcpt := range recipients {
		specs = append(specs, DestinationSpec{
			Metadata: Metadata{Sender: "alice@example.com", Recipient: rcpt},
			Schedule: Schedule{At: time.Now()},
		})
	}
	ids, err := enq.Commit(ctx, specs)
	require.NoError(t, err)
	require.Len(t, ids, len(recipients))
	return ids
}

func TestFsStorageEnqueueAndList(t *testing.T) {
	s := newTestStorage(t)
	ids := enqueueOne(t, s, "body\r\n", "bob@example.com", "carol@example.com")

	queued, err := s.ListQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 2)
	var gotIDs []QueueId
	for _, q := range queued {
		gotIDs = append(gotIDs, q.ID)
	}
	require.ElementsMatch(t, ids, gotIDs)
}

func TestFsStorageDiscardLeavesNoTrace(t *testing.T) {
	s := newTestStorage(t)
	enq, err := s.Enqueue(context.Background())
	require.NoError(t, err)
	_, err = enq.Write([]byte("never sent"))
	require.NoError(t, err)
	require.NoError(t, enq.Discard())

	entries, err := os.ReadDir(filepath.Join(s.root, dataDirName))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFsStorageSendLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ids := enqueueOne(t, s, "hello body\r\n", "bob@example.com")
	id := ids[0]

	ok, err := s.SendStart(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	// A second claim attempt loses the race.
	ok, err = s.SendStart(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	meta, body, err := s.ReadInflight(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "bob@example.com", meta.Recipient)
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Equal(t, "hello body\r\n", string(b))

	require.NoError(t, s.SendDone(ctx, id))

	pending, err := s.FindPendingCleanup(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ID)

	ok, err = s.Cleanup(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	// Content directory should be gone since this was the only destination.
	entries, err := os.ReadDir(filepath.Join(s.root, dataDirName))
	require.NoError(t, err)
	require.Empty(t, entries)

	// A second cleanup of the same id finds nothing left to do.
	ok, err = s.Cleanup(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFsStorageSendCancelReturnsToQueue(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ids := enqueueOne(t, s, "body\r\n", "bob@example.com")
	id := ids[0]

	ok, err := s.SendStart(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.SendCancel(ctx, id))

	queued, err := s.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, id, queued[0].ID)
}

func TestFsStorageReschedule(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ids := enqueueOne(t, s, "body\r\n", "bob@example.com")
	id := ids[0]

	next := Schedule{At: time.Now().Add(time.Hour), Attempt: 3}
	require.NoError(t, s.Reschedule(ctx, id, next))

	queued, err := s.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, 3, queued[0].Schedule.Attempt)
}

func TestFsStorageDropGoesStraightToCleanup(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ids := enqueueOne(t, s, "body\r\n", "bob@example.com")
	id := ids[0]

	require.NoError(t, s.Drop(ctx, id))

	pending, err := s.FindPendingCleanup(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ID)
}

func TestFsStorageSharedContentSurvivesPartialCleanup(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	ids := enqueueOne(t, s, "shared body\r\n", "bob@example.com", "carol@example.com")

	require.NoError(t, s.Drop(ctx, ids[0]))
	ok, err := s.Cleanup(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, ok)

	// The second destination still references the shared content directory.
	entries, err := os.ReadDir(filepath.Join(s.root, dataDirName))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = os.Stat(filepath.Join(s.root, dataDirName, entries[0].Name(), contentsFileName))
	require.NoError(t, err)

	_, body, err := s.ReadInflight(ctx, ids[1])
	require.Error(t, err) // ids[1] is still Queued, not Inflight

	queued, err := s.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, ids[1], queued[0].ID)
	if body != nil {
		body.Close()
	}
}
