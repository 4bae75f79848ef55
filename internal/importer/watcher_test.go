package importer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalder/scribe/pkg/types"
)

type stubIngester struct {
	mu      sync.Mutex
	batches []stubBatch
	err     error
}

type stubBatch struct {
	owner     string
	sessionID string
	items     []types.BulkNoteItem
}

func (s *stubIngester) ProcessBulk(ctx context.Context, owner string, items []types.BulkNoteItem, sessionID string) (*types.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.batches = append(s.batches, stubBatch{owner: owner, sessionID: sessionID, items: items})
	return &types.BulkResult{
		TotalProcessed: len(items),
		SuccessCount:   len(items),
		SessionID:      sessionID,
	}, nil
}

func (s *stubIngester) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestParseNoteFile(t *testing.T) {
	content := `---
owner: alice
session_id: standup
tags: [daily, imported]
---
Finished the migration runbook.
---
Paired with Sam on the flaky deploy job.
`
	parsed, err := ParseNoteFile([]byte(content))
	require.NoError(t, err)

	assert.Equal(t, "alice", parsed.Owner)
	assert.Equal(t, "standup", parsed.SessionID)
	require.Len(t, parsed.Items, 2)
	assert.Equal(t, "Finished the migration runbook.", parsed.Items[0].Text)
	assert.Equal(t, []string{"daily", "imported"}, parsed.Items[0].Tags)
	assert.Equal(t, "Paired with Sam on the flaky deploy job.", parsed.Items[1].Text)
}

func TestParseNoteFileNoFrontmatter(t *testing.T) {
	parsed, err := ParseNoteFile([]byte("just a plain note\nwith two lines"))
	require.NoError(t, err)
	assert.Empty(t, parsed.Owner)
	require.Len(t, parsed.Items, 1)
	assert.Equal(t, "just a plain note\nwith two lines", parsed.Items[0].Text)
}

func TestParseNoteFileEmpty(t *testing.T) {
	_, err := ParseNoteFile([]byte("   \n\n"))
	assert.Error(t, err)

	_, err = ParseNoteFile([]byte("---\ntags: [a]\n---\n\n"))
	assert.Error(t, err)
}

func TestParseNoteFileBadFrontmatter(t *testing.T) {
	_, err := ParseNoteFile([]byte("---\ntags: [unclosed\n---\nbody"))
	assert.Error(t, err)
}

func TestProcessFile(t *testing.T) {
	dir := t.TempDir()
	ingester := &stubIngester{}
	w := NewWatcher(dir, "default", ingester, nil)

	path := filepath.Join(dir, "drop.md")
	require.NoError(t, os.WriteFile(path, []byte("a dropped note"), 0o600))

	w.processFile(context.Background(), path)

	require.Equal(t, 1, ingester.batchCount())
	assert.Equal(t, "default", ingester.batches[0].owner)
	assert.Equal(t, "import-drop.md", ingester.batches[0].sessionID)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "processed file should be removed")
}

func TestProcessFileBatchesLargeFiles(t *testing.T) {
	dir := t.TempDir()
	ingester := &stubIngester{}
	w := NewWatcher(dir, "default", ingester, nil)

	var content string
	for i := 0; i < 120; i++ {
		content += "note text\n---\n"
	}
	path := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	var reported *types.BulkResult
	w.onIngested = func(file string, result *types.BulkResult) { reported = result }
	w.processFile(context.Background(), path)

	require.Equal(t, 3, ingester.batchCount())
	assert.Len(t, ingester.batches[0].items, 50)
	assert.Len(t, ingester.batches[2].items, 20)
	require.NotNil(t, reported)
	assert.Equal(t, 120, reported.TotalProcessed)
	assert.Equal(t, 120, reported.SuccessCount)
}

func TestProcessFileRejectsUnparseable(t *testing.T) {
	dir := t.TempDir()
	ingester := &stubIngester{}
	w := NewWatcher(dir, "default", ingester, nil)

	path := filepath.Join(dir, "empty.md")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))

	w.processFile(context.Background(), path)

	assert.Equal(t, 0, ingester.batchCount())
	_, err := os.Stat(path + ".rejected")
	assert.NoError(t, err, "bad file should be quarantined")
}

func TestWatcherIngestsDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	ingester := &stubIngester{}
	w := NewWatcher(dir, "default", ingester, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "live.md"), []byte("dropped after start"), 0o600))

	assert.Eventually(t, func() bool {
		return ingester.batchCount() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}
