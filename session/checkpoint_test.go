package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/cinch/contextmgr"
	"github.com/martinemde/cinch/unifiedllm"
)

func testCheckpoint(traceID string, round int) *Checkpoint {
	layout := contextmgr.NewLayout(2)
	layout.SetPrefix([]unifiedllm.Message{unifiedllm.SystemMessage("sys"), unifiedllm.UserMessage("fix the tests")})
	layout.Push(unifiedllm.AssistantMessage("on it"))
	return &Checkpoint{
		TraceID:    traceID,
		Round:      round,
		Model:      "claude-sonnet-4-5",
		Context:    contextmgr.State{Layout: layout.State(), Summarizer: contextmgr.SummarizerState{Summary: "s", Boundary: 2}},
		TextOutput: []string{"on it"},
		Cost:       unifiedllm.CostSnapshot{PromptTokens: 100, CompletionTokens: 50, EstimatedCostUSD: 0.001},
	}
}

func TestFileStoreSaveAndLoad(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "cp"))
	require.NoError(t, err)

	cp := testCheckpoint("tr-test", 3)
	handle, err := store.Save(cp)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-tr-test-r3.json", filepath.Base(handle))
	assert.False(t, cp.CreatedAt.IsZero())

	loaded, err := store.Load(handle)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Round)
	assert.Equal(t, cp.Cost, loaded.Cost)
	if diff := cmp.Diff(cp.Messages(), loaded.Messages()); diff != "" {
		t.Errorf("messages differ (-want +got):\n%s", diff)
	}
	assert.Equal(t, "fix the tests", loaded.Preview())
}

func TestFileStoreLoadLatestPicksHighestRound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, r := range []int{1, 12, 3} {
		_, err := store.Save(testCheckpoint("tr-multi", r))
		require.NoError(t, err)
	}
	_, err = store.Save(testCheckpoint("tr-other", 40))
	require.NoError(t, err)

	latest, err := store.LoadLatest("tr-multi")
	require.NoError(t, err)
	assert.Equal(t, 12, latest.Round)
}

func TestFileStoreCleanup(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, _ = store.Save(testCheckpoint("tr-clean", 1))
	_, _ = store.Save(testCheckpoint("tr-clean", 2))
	_, _ = store.Save(testCheckpoint("tr-keep", 1))

	n, err := store.Cleanup("tr-clean")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.LoadLatest("tr-clean")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LoadLatest("tr-keep")
	assert.NoError(t, err)
}

func TestFileStoreLoadErrors(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = store.Load(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrNotFound)

	bad := filepath.Join(dir, "checkpoint-tr-bad-r1.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = store.Load(bad)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMessagePreview(t *testing.T) {
	assert.Equal(t, "", MessagePreview(nil))
	long := strings.Repeat("é", 300)
	msgs := []unifiedllm.Message{unifiedllm.SystemMessage("sys"), unifiedllm.UserMessage(long)}
	assert.Equal(t, strings.Repeat("é", 200), MessagePreview(msgs))
}
