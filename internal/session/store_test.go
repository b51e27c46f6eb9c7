package session_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/portfolio-rag/backend/internal/errors"
	"github.com/portfolio-rag/backend/internal/session"
	"github.com/portfolio-rag/backend/internal/storage/models"
	"github.com/portfolio-rag/backend/internal/storage/sqlite"
)

var sessionCols = []string{"id", "session_key", "title", "created_at", "updated_at"}

func newStore(t *testing.T) *session.Store {
	t.Helper()
	client, err := sqlite.NewClient(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, client.InitSchema())
	t.Cleanup(func() { client.Close() })
	return session.NewStore(client, time.Millisecond, nil)
}

func newMockStore(t *testing.T) (*session.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return session.NewStore(sqlite.NewClientFromDB(db), time.Millisecond, nil), mock
}

func TestResolve_Idempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first, err := store.Resolve(ctx, "visitor-abc")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	for i := 0; i < 3; i++ {
		again, err := store.Resolve(ctx, "visitor-abc")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	other, err := store.Resolve(ctx, "visitor-def")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestResolve_ConcurrentSameKey(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	const tabs = 8
	ids := make([]string, tabs)
	errs := make([]error, tabs)
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = store.Resolve(ctx, "shared-key")
		}(i)
	}
	wg.Wait()

	for i := 0; i < tabs; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestResolve_EmptyKey(t *testing.T) {
	store := newStore(t)

	_, err := store.Resolve(context.Background(), "  ")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestResolve_LosesCreationRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM sessions WHERE session_key").
		WillReturnRows(sqlmock.NewRows(sessionCols))
	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})
	mock.ExpectQuery("FROM sessions WHERE session_key").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow("winner-id", "tab-key", nil, int64(1), int64(1)))

	id, err := store.Resolve(context.Background(), "tab-key")
	require.NoError(t, err)
	assert.Equal(t, "winner-id", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_StoreUnavailableAfterOneRetry(t *testing.T) {
	store, mock := newMockStore(t)

	dbErr := errors.New("disk I/O error")
	mock.ExpectQuery("FROM sessions WHERE session_key").WillReturnError(dbErr)
	mock.ExpectQuery("FROM sessions WHERE session_key").WillReturnError(dbErr)

	id, err := store.Resolve(context.Background(), "visitor")
	assert.Empty(t, id)
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.Equal(t, apperrors.KindStoreUnavailable, apperrors.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_RecoversOnRetry(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM sessions WHERE session_key").WillReturnError(errors.New("database is locked"))
	mock.ExpectQuery("FROM sessions WHERE session_key").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow("s-1", "visitor", nil, int64(1), int64(1)))

	id, err := store.Resolve(context.Background(), "visitor")
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookup(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	id, ok, err := store.Lookup(ctx, "never-seen")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)

	// Lookup must not have created anything.
	_, ok, err = store.Lookup(ctx, "never-seen")
	require.NoError(t, err)
	assert.False(t, ok)

	created, err := store.Resolve(ctx, "known")
	require.NoError(t, err)
	id, ok, err = store.Lookup(ctx, "known")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, created, id)
}

func TestLookup_StoreUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM sessions WHERE session_key").WillReturnError(errors.New("unreachable"))
	mock.ExpectQuery("FROM sessions WHERE session_key").WillReturnError(errors.New("unreachable"))

	_, ok, err := store.Lookup(context.Background(), "visitor")
	assert.False(t, ok)
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id, err := store.Resolve(ctx, "visitor")
	require.NoError(t, err)

	t.Run("writes message and title", func(t *testing.T) {
		msg, err := store.Append(ctx, id, models.RoleUser, "What tools did you use on Project X?\nThanks")
		require.NoError(t, err)
		assert.Equal(t, id, msg.SessionID)
		assert.NotEmpty(t, msg.ID)

		sess, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, sess.Title)
		assert.Equal(t, "What tools did you use on Project X?", *sess.Title)
	})

	t.Run("empty content", func(t *testing.T) {
		_, err := store.Append(ctx, id, models.RoleUser, " \n ")
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := store.Append(ctx, id, models.Role("system"), "hi")
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := store.Append(ctx, "does-not-exist", models.RoleUser, "hi")
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})
}

func TestHistory_MostRecentWindow(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id, err := store.Resolve(ctx, "visitor")
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		role := models.RoleUser
		if i%2 == 0 {
			role = models.RoleAssistant
		}
		_, err := store.Append(ctx, id, role, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	history, err := store.History(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "message 4", history[0].Content)
	assert.Equal(t, "message 5", history[1].Content)

	// Reads do not change what later reads see.
	again, err := store.History(ctx, id, 10)
	require.NoError(t, err)
	assert.Len(t, again, 5)

	empty, err := store.History(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDelete(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id, err := store.Resolve(ctx, "visitor")
	require.NoError(t, err)
	_, err = store.Append(ctx, id, models.RoleUser, "hello")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, id))
	assert.ErrorIs(t, store.Delete(ctx, id), apperrors.ErrNotFound)

	_, ok, err := store.Lookup(ctx, "visitor")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "Hello there", session.DeriveTitle("  Hello there  "))
	assert.Equal(t, "First line", session.DeriveTitle("First line\nsecond line"))

	long := session.DeriveTitle(strings.Repeat("é", 200))
	assert.Equal(t, 80, len([]rune(long)))
	assert.True(t, strings.HasSuffix(long, "…"))
}
