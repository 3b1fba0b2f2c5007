package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrawlhq/scrawl/roomserver/types"
)

func testSnapshot() *types.PersistedRoom {
	return &types.PersistedRoom{
		Seq: 12,
		Strokes: []types.Stroke{
			{ID: "X", UserID: "alice", Tool: types.ToolBrush, Color: "#000", Width: 3,
				Points: []types.Point{{1, 2}, {3, 4}}, Committed: true},
			{ID: "Y", UserID: "bob", Tool: types.ToolEraser, Color: "#fff", Width: 8,
				Points: []types.Point{{5, 6}}, Committed: true},
		},
		Undone:         []string{"Y"},
		CommittedOrder: []string{"X", "Y"},
		RedoStack:      []string{"Y"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save("demo", testSnapshot()))

	loaded, err := store.Load("demo")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, testSnapshot(), loaded)
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(t.TempDir())
	loaded, err := store.Load("never-seen")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "room_demo.json"), []byte("{not json"), 0o644))

	loaded, err := store.Load("demo")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Save("demo", testSnapshot()))
	second := testSnapshot()
	second.Seq = 13
	require.NoError(t, store.Save("demo", second))

	// Exactly one file, no temp leftovers.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "room_demo.json", entries[0].Name())

	loaded, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, int64(13), loaded.Seq)
}

func TestDataDirCreatedLazily(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	store := NewStore(dir)

	_, statErr := os.Stat(dir)
	require.True(t, os.IsNotExist(statErr))

	require.NoError(t, store.Save("demo", testSnapshot()))
	_, statErr = os.Stat(dir)
	require.NoError(t, statErr)
}

func TestSanitizeRoomID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"CamelCase-42_ok", "CamelCase-42_ok"},
		{"room/a", "room_a"},
		{"room a!", "room_a_"},
		{"../../etc/passwd", "______etc_passwd"},
		{"héllo", "h_llo"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeRoomID(tt.in), tt.in)
	}
	// Known collapse: ids differing only in substituted characters share a file.
	assert.Equal(t, SanitizeRoomID("room/a"), SanitizeRoomID("room_a"))
}
