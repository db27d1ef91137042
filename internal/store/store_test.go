package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "shinsa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOCRCacheRoundTrip(t *testing.T) {
	s := testStore(t)

	hash := HashContent([]byte("pdfbytes"))
	hit, err := s.GetOCR(hash)
	require.NoError(t, err)
	assert.Nil(t, hit)

	res := OCRResult{Text: "請求書 金額 1,000,000円", Confidence: 0.93, PageCount: 2}
	require.NoError(t, s.SaveOCR(hash, "seikyusho.pdf", res))

	hit, err = s.GetOCR(hash)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, res.Text, hit.Text)
	assert.Equal(t, 2, hit.PageCount)

	// Same content re-saved under a new name overwrites, not duplicates.
	require.NoError(t, s.SaveOCR(hash, "copy.pdf", res))
	count, err := s.OCRCacheCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestArticleCacheExpiry(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.SaveArticle("https://news.example.com/a", "記事全文"))

	text, ok, err := s.GetArticle("https://news.example.com/a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "記事全文", text)

	// A zero max age treats everything as stale.
	_, ok, err = s.GetArticle("https://news.example.com/a", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	pruned, err := s.PruneArticles(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestRunAudit(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.StartRun("run-1", "101"))
	require.NoError(t, s.FinishRun("run-1", "completed", map[string]string{
		"purchase":  "ok",
		"statement": "ok",
		"identity":  "skipped: no identity document attached",
	}, ""))

	runs, err := s.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "101", runs[0].CaseID)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, "skipped: no identity document attached", runs[0].IdentityPhase)
	assert.False(t, runs[0].FinishedAt.IsZero())

	count, err := s.RunCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHashContentStable(t *testing.T) {
	assert.Equal(t, HashContent([]byte("a")), HashContent([]byte("a")))
	assert.NotEqual(t, HashContent([]byte("a")), HashContent([]byte("b")))
}
