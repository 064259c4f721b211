package store_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avasylenko/pricewatch/internal/store"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

func TestState_ResumeRoundTrip(t *testing.T) {
	t.Parallel()

	st, err := store.NewState(t.TempDir())
	require.NoError(t, err)

	rs := domain.NewResumeState()
	rs.Active = true
	rs.Entries[domain.ResumeKey("sneakers", "PL")] = domain.ResumeEntry{
		Label:           "sneakers",
		Region:          "PL",
		NextPage:        4,
		LastScrapedPage: 3,
		FailureReason:   "challenge",
	}
	require.NoError(t, st.SaveResume(rs))

	got, err := st.LoadResume()
	require.NoError(t, err)
	assert.True(t, got.Active)

	entry := got.Entries[domain.ResumeKey("sneakers", "PL")]
	assert.Equal(t, 4, entry.NextPage)
	assert.Equal(t, "challenge", entry.FailureReason)
}

func TestState_LoadResumeMissingFile(t *testing.T) {
	t.Parallel()

	st, err := store.NewState(t.TempDir())
	require.NoError(t, err)

	rs, err := st.LoadResume()
	require.NoError(t, err)
	assert.False(t, rs.Active)
	assert.Empty(t, rs.Entries)
}

func TestState_LoadResumeUnknownVersion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := store.NewState(dir)
	require.NoError(t, err)

	raw := `{"version": 99, "active": true, "entries": {}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resume.json"), []byte(raw), 0o644))

	rs, err := st.LoadResume()
	require.NoError(t, err)
	assert.False(t, rs.Active, "unknown schema version must reset to a clean state")
}

func TestState_LastRuns(t *testing.T) {
	t.Parallel()

	st, err := store.NewState(t.TempDir())
	require.NoError(t, err)

	empty, err := st.LoadLastRuns()
	require.NoError(t, err)
	assert.Empty(t, empty)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.SaveLastRuns(map[domain.Source]time.Time{
		domain.SourceLyst: now,
	}))

	got, err := st.LoadLastRuns()
	require.NoError(t, err)
	assert.True(t, got[domain.SourceLyst].Equal(now))
}

func TestState_PinnedMessage(t *testing.T) {
	t.Parallel()

	st, err := store.NewState(t.TempDir())
	require.NoError(t, err)

	id, err := st.LoadPinnedMessage()
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, st.SavePinnedMessage(12345))

	id, err = st.LoadPinnedMessage()
	require.NoError(t, err)
	assert.Equal(t, int64(12345), id)
}

func TestState_WritesAreAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := store.NewState(dir)
	require.NoError(t, err)

	require.NoError(t, st.SavePinnedMessage(1))

	// No temp leftovers after a successful write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}
