package manuscript

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/lorekeeper/internal/store"
	"github.com/Napageneral/lorekeeper/internal/testutil"
)

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestScanOrdersNaturally(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "ch10.md", "# The End\n\nFin.")
	write(t, dir, "ch2.md", "Second chapter body.")
	write(t, dir, "ch1.txt", "# Arrival\r\nAria reached the harbor.")
	write(t, dir, "notes.json", "{}")
	write(t, dir, ".draft.md", "hidden")

	files, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "ch1.txt", files[0].Name)
	assert.Equal(t, "ch2.md", files[1].Name)
	assert.Equal(t, "ch10.md", files[2].Name)

	assert.Equal(t, "Arrival", files[0].Title)
	assert.Equal(t, "ch2", files[1].Title)
	assert.Equal(t, "# Arrival\nAria reached the harbor.", files[0].Content)
}

func TestTitleFallsBackToFileName(t *testing.T) {
	assert.Equal(t, "chapter 03 the storm", titleFor("chapter_03-the-storm.md", "It rained."))
	assert.Equal(t, "Storm", titleFor("x.md", "\n\n## Storm\nIt rained."))
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	write(t, dir, "01.md", "# Arrival\n\nAria reached the harbor.")
	write(t, dir, "02.md", "# Storm\n\nThe storm broke.")
	s := store.New(testutil.OpenTestDB(t))

	res, err := Import(ctx, s, "p1", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)

	chapters, err := s.ListChapters(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, chapters, 2)
	assert.Equal(t, "Arrival", chapters[0].Title)
	assert.Equal(t, 1, chapters[0].Position)
	assert.Equal(t, ChapterID("p1", "01.md"), chapters[0].ID)

	res, err = Import(ctx, s, "p1", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 2, res.Unchanged)

	write(t, dir, "02.md", "# Storm\n\nThe storm broke at last.")
	res, err = Import(ctx, s, "p1", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Unchanged)
}

func TestWatcherDebouncesEdits(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	w := &Watcher{Dir: dir, Debounce: 100 * time.Millisecond, Sync: func(context.Context) error {
		runs.Add(1)
		return nil
	}}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		write(t, dir, "01.md", "draft "+string(rune('a'+i)))
	}
	write(t, dir, "ignored.json", "{}")
	require.Eventually(t, func() bool { return runs.Load() == 2 }, 3*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load(), "one burst, one sync")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
