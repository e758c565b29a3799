package backend

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/smc-predict/internal/llm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "backend.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Users(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateUser("a@b.c", "hash"))
	assert.ErrorIs(t, store.CreateUser("a@b.c", "other"), ErrUserExists)

	hash, err := store.PasswordHash("a@b.c")
	require.NoError(t, err)
	assert.Equal(t, "hash", hash)

	_, err = store.PasswordHash("nobody@b.c")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestStore_Sessions(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateUser("a@b.c", "hash"))

	token, err := store.CreateSession("a@b.c", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	email, err := store.SessionUser(token, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", email)

	_, err = store.SessionUser(token, time.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = store.SessionUser("nope", time.Now())
	assert.ErrorIs(t, err, ErrInvalidToken)

	longLived, err := store.CreateSession("a@b.c", 24*time.Hour)
	require.NoError(t, err)

	n, err := store.DeleteExpiredSessions(time.Now().Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = store.SessionUser(token, time.Now())
	assert.ErrorIs(t, err, ErrInvalidToken)

	email, err = store.SessionUser(longLived, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", email)

	n, err = store.DeleteExpiredSessions(time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_UploadsNewestFirstAndLimited(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i := range 5 {
		_, err := store.AddUpload(UploadRecord{
			UserEmail:    "a@b.c",
			OriginalPath: "/api/uploads/" + string(rune('a'+i)) + ".png",
			Prediction:   llm.LabelBuy,
			Confidence:   0.5,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := store.AddUpload(UploadRecord{UserEmail: "other@b.c", OriginalPath: "/x", Prediction: llm.LabelSell, AnnotatedPath: "/api/annotated/x.png"})
	require.NoError(t, err)

	uploads, err := store.ListUploads("a@b.c", 3)
	require.NoError(t, err)
	require.Len(t, uploads, 3)
	assert.Equal(t, "/api/uploads/e.png", uploads[0].OriginalPath)
	assert.Equal(t, "/api/uploads/c.png", uploads[2].OriginalPath)
	assert.Empty(t, uploads[0].AnnotatedPath)
	assert.True(t, uploads[0].CreatedAt.Equal(base.Add(4*time.Minute)))

	other, err := store.ListUploads("other@b.c", HistoryLimit)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "/api/annotated/x.png", other[0].AnnotatedPath)
}

func TestStore_ClassificationCache(t *testing.T) {
	store := newTestStore(t)

	c, err := store.GetClassification("h")
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, store.SetClassification("h", &llm.Classification{Label: llm.LabelSell, Confidence: 0.7}))
	require.NoError(t, store.SetClassification("h", &llm.Classification{Label: llm.LabelBuy, Confidence: 0.8}))

	c, err = store.GetClassification("h")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, llm.LabelBuy, c.Label)
	assert.InDelta(t, 0.8, c.Confidence, 1e-9)
}
