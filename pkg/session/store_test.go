package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestCreateAndLoadSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "work", "/tmp/project")
	require.NoError(t, err)
	assert.Len(t, sess.ID, 8)
	assert.Equal(t, "work", sess.Name)
	assert.Equal(t, "/tmp/project", sess.CodebasePath)

	loaded, err := store.LoadSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.Equal(t, "/tmp/project", loaded.CodebasePath)
	assert.False(t, loaded.LastAccessed.Before(sess.LastAccessed))
}

func TestCreateSessionDefaultName(t *testing.T) {
	store, _ := newTestStore(t)

	sess, err := store.CreateSession(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "session-"+sess.ID, sess.Name)
	assert.Empty(t, sess.CodebasePath)
}

func TestLoadMissingSession(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.LoadSession(context.Background(), "nope1234")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSchemaRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store, err := NewStore(path)
	require.NoError(t, err)
	sess, err := store.CreateSession(ctx, "persisted", "/code")
	require.NoError(t, err)
	log := NewConversationLog(store, sess.ID)
	_, err = log.Add(ctx, "user", "hello", 2, map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopen as if a fresh process.
	store2, err := NewStore(path)
	require.NoError(t, err)
	defer store2.Close()

	loaded, err := store2.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Name, loaded.Name)
	assert.Equal(t, sess.CodebasePath, loaded.CodebasePath)

	msgs, err := NewConversationLog(store2, sess.ID).GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, 2, msgs[0].TokenCount)
	assert.Equal(t, "v", msgs[0].Metadata["k"])
}

func TestListSessionsOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a, err := store.CreateSession(ctx, "a", "")
	require.NoError(t, err)
	b, err := store.CreateSession(ctx, "b", "")
	require.NoError(t, err)

	// Touch a so it becomes most recent.
	_, err = store.LoadSession(ctx, a.ID)
	require.NoError(t, err)

	sessions, err := store.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, a.ID, sessions[0].ID)
	assert.Equal(t, b.ID, sessions[1].ID)
}

func TestUpdateSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "old", "")
	require.NoError(t, err)

	name := "renamed"
	require.NoError(t, store.UpdateSession(ctx, sess.ID, &name, map[string]interface{}{"pin": true}))

	loaded, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", loaded.Name)
	assert.Equal(t, true, loaded.Metadata["pin"])

	err = store.UpdateSession(ctx, "missing1", &name, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCascadeDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "doomed", "")
	require.NoError(t, err)

	log := NewConversationLog(store, sess.ID)
	msg, err := log.Add(ctx, "user", "hi", 1, nil)
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx,
		`INSERT INTO token_usage (session_id, message_id, input_tokens, output_tokens, model, cost, created_at)
		 VALUES (?, ?, 3, 2, 'm', 0.0, CURRENT_TIMESTAMP)`, sess.ID, msg.ID)
	require.NoError(t, err)

	deleted, err := store.DeleteSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sess.ID).Scan(&count))
	assert.Zero(t, count)
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM token_usage WHERE session_id = ?`, sess.ID).Scan(&count))
	assert.Zero(t, count)

	deleted, err = store.DeleteSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}
