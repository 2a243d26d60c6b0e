package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAccount(t *testing.T, s *Store, id string) *Account {
	t.Helper()
	a := &Account{
		ID:           id,
		UserID:       "user-1",
		EmailAddress: id + "@example.com",
		AccessToken:  "token-" + id,
	}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestAccount(t, s, "acc-1")

	got, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Empty(t, got.NextCursor)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = s.GetAccountForUser(ctx, "acc-1", "someone-else")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCursorPersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestAccount(t, s, "acc-1")

	require.NoError(t, s.SaveCursor(ctx, "acc-1", "delta-42"))

	got, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "delta-42", got.NextCursor)

	assert.ErrorIs(t, s.SaveCursor(ctx, "missing", "x"), ErrAccountNotFound)
}

func TestIndexSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestAccount(t, s, "acc-1")

	blob, err := s.LoadIndexSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.SaveIndexSnapshot(ctx, "acc-1", []byte(`{"version":1}`)))

	blob, err = s.LoadIndexSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"version":1}`), blob)
}

func TestEmailAddressUniquePerAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertEmailAddress(ctx, "acc-1", "a@example.com", "A", "A <a@example.com>")
	require.NoError(t, err)

	id2, err := s.UpsertEmailAddress(ctx, "acc-1", "a@example.com", "A2", "raw2")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same (account, address) must resolve to one row")

	id3, err := s.UpsertEmailAddress(ctx, "acc-2", "a@example.com", "A", "raw")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3, "different accounts keep separate rows")

	var n int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM email_addresses WHERE account_id = 'acc-1'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestThreadUpsertPreservesStatusOnUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := &Thread{
		ID:              "t1",
		AccountID:       "acc-1",
		Subject:         "first",
		LastMessageDate: time.Unix(1000, 0),
		InboxStatus:     true,
		ParticipantIDs:  []int64{1, 2},
	}
	require.NoError(t, s.UpsertThread(ctx, thread))

	// A later upsert carries different seed flags; they must not overwrite
	// the stored ones, only the recompute step does that.
	thread2 := &Thread{
		ID:              "t1",
		AccountID:       "acc-1",
		Subject:         "second",
		LastMessageDate: time.Unix(2000, 0),
		SentStatus:      true,
		ParticipantIDs:  []int64{1, 2, 3},
	}
	require.NoError(t, s.UpsertThread(ctx, thread2))

	got, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Subject)
	assert.Equal(t, []int64{1, 2, 3}, got.ParticipantIDs)
	assert.True(t, got.InboxStatus)
	assert.False(t, got.SentStatus)
}

func TestOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.AppendOutboxTx(ctx, tx, "account.a.mail.reconciled", "mail.reconciled", []byte(`{}`), "m1"))
	// Duplicate msg_id is silently ignored.
	require.NoError(t, s.AppendOutboxTx(ctx, tx, "account.a.mail.reconciled", "mail.reconciled", []byte(`{}`), "m1"))
	require.NoError(t, tx.Commit())

	messages, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, s.MarkPublished(ctx, messages[0].ID))

	messages, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestOutboxRetryDelaysRedelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.AppendOutboxTx(ctx, tx, "subj", "type", []byte(`{}`), "m1"))
	require.NoError(t, tx.Commit())

	messages, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.NoError(t, s.MarkOutboxRetry(ctx, messages[0].ID, time.Minute))

	messages, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, messages, "retried message is not due yet")
}
