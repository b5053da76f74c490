package collab_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/internal/apperr"
	"github.com/kiranshivaraju/autograde/internal/cache"
	"github.com/kiranshivaraju/autograde/internal/collab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyQuota(t *testing.T) {
	q := collab.NewDailyQuota(cache.NewMemoryCache(), 2)
	ctx := context.Background()
	user := uuid.New()

	require.NoError(t, q.CheckQuota(ctx, user, "openai"))
	require.NoError(t, q.CheckQuota(ctx, user, "openai"))

	err := q.CheckQuota(ctx, user, "openai")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindQuotaExceeded))
	assert.Equal(t, 2, apperr.DetailsOf(err)["limit"])

	// Counters are per user and per provider.
	assert.NoError(t, q.CheckQuota(ctx, user, "anthropic"))
	assert.NoError(t, q.CheckQuota(ctx, uuid.New(), "openai"))
}

func TestDailyQuota_ZeroIsUnlimited(t *testing.T) {
	q := collab.NewDailyQuota(cache.NewMemoryCache(), 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.CheckQuota(context.Background(), uuid.Nil, "mock"))
	}
}

func TestDailyQuota_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	q := collab.NewDailyQuota(cache.NewMemoryCache(), 10)
	user := uuid.New()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.CheckQuota(context.Background(), user, "mock") == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestUnlimited(t *testing.T) {
	assert.NoError(t, collab.Unlimited{}.CheckQuota(context.Background(), uuid.New(), "openai"))
}

func writeDoc(t *testing.T, dir, name, text string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
}

func TestFileSource(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "class-a/essay-1.txt", "  The mitochondria is the powerhouse.\n")
	writeDoc(t, root, "blank.txt", "   \n")

	src := collab.NewFileSource(root)
	ctx := context.Background()

	text, err := src.Text(ctx, "class-a/essay-1.txt")
	require.NoError(t, err)
	assert.Equal(t, "The mitochondria is the powerhouse.", text)

	text, err = src.Text(ctx, "/class-a/essay-1.txt")
	require.NoError(t, err, "a leading slash is relative to the root")
	assert.NotEmpty(t, text)

	_, err = src.Text(ctx, "missing.txt")
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)

	_, err = src.Text(ctx, "blank.txt")
	assert.ErrorIs(t, err, collab.ErrEmptyDocument)
}

func TestFileSource_RejectsEscapes(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "docs")
	writeDoc(t, parent, "secret.txt", "do not read")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.Symlink(filepath.Join(parent, "secret.txt"), filepath.Join(root, "link.txt")))

	src := collab.NewFileSource(root)
	for _, ref := range []string{"../secret.txt", "a/../../secret.txt", ""} {
		_, err := src.Text(context.Background(), ref)
		assert.ErrorIs(t, err, collab.ErrInvalidDocRef, ref)
	}

	_, err := src.Text(context.Background(), "link.txt")
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	src := collab.NewStaticSource(map[string]string{"a": "alpha"})
	src.Put("b", "beta")

	text, err := src.Text(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "beta", text)

	_, err = src.Text(context.Background(), "c")
	assert.ErrorIs(t, err, collab.ErrDocumentNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Text(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}
