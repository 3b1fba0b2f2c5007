package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrawlhq/scrawl/roomserver/storage"
	"github.com/scrawlhq/scrawl/roomserver/types"
)

func TestGetOrCreateReturnsSameRoom(t *testing.T) {
	rooms := NewRooms(storage.NewStore(t.TempDir()))
	a := rooms.GetOrCreate("demo")
	b := rooms.GetOrCreate("demo")
	assert.Same(t, a, b)

	other := rooms.GetOrCreate("other")
	assert.NotSame(t, a, other)
}

func TestCleanupOnlyEvictsEmptyRooms(t *testing.T) {
	rooms := NewRooms(storage.NewStore(t.TempDir()))
	room := rooms.GetOrCreate("demo")
	room.AddUser("c1", "alice", "Alice", types.ModeEdit)

	rooms.Cleanup("demo")
	still, ok := rooms.Get("demo")
	require.True(t, ok)
	assert.Same(t, room, still)

	room.RemoveUser("c1")
	rooms.Cleanup("demo")
	_, ok = rooms.Get("demo")
	assert.False(t, ok)
}

func TestJoinRegistersMemberWithRoomResolution(t *testing.T) {
	store := storage.NewStore(t.TempDir())
	rooms := NewRooms(store)

	room, user := rooms.Join("demo", "c1", "alice", "Alice", types.ModeEdit)
	require.NotEmpty(t, user.Color)

	// A cleanup issued right after the join observes the member: the room
	// stays live. Resolving the room and adding the user in two steps would
	// leave a window where the last leave evicts it in between.
	rooms.Cleanup("demo")
	live, ok := rooms.Get("demo")
	require.True(t, ok)
	assert.Same(t, room, live)

	_, err := room.Apply("alice", &types.ClientOp{
		T: types.OpStrokeStart, StrokeID: "s1",
		Tool: types.ToolBrush, Color: "#000", Width: 1, X: 0, Y: 0,
	})
	require.NoError(t, err)
	_, err = room.Apply("alice", &types.ClientOp{T: types.OpStrokeEnd, StrokeID: "s1"})
	require.NoError(t, err)

	room.RemoveUser("c1")
	rooms.Cleanup("demo")
	_, ok = rooms.Get("demo")
	require.False(t, ok)

	// The next join lands in a room the manager knows, carrying the flushed
	// state, never in an orphaned leftover.
	revived, _ := rooms.Join("demo", "c2", "bob", "Bob", types.ModeEdit)
	live, ok = rooms.Get("demo")
	require.True(t, ok)
	assert.Same(t, revived, live)
	assert.Equal(t, int64(2), revived.Seq())
	assert.Len(t, revived.Users(), 1)
}

func TestCleanupFlushesBeforeEviction(t *testing.T) {
	store := storage.NewStore(t.TempDir())
	rooms := NewRooms(store)

	room := rooms.GetOrCreate("demo")
	room.AddUser("c1", "alice", "Alice", types.ModeEdit)
	env, err := room.Apply("alice", &types.ClientOp{
		T: types.OpStrokeStart, StrokeID: "s1",
		Tool: types.ToolBrush, Color: "#000", Width: 1, X: 0, Y: 0,
	})
	require.NoError(t, err)
	require.NotNil(t, env)
	_, err = room.Apply("alice", &types.ClientOp{T: types.OpStrokeEnd, StrokeID: "s1"})
	require.NoError(t, err)

	// Leave inside the throttle window: the forced flush must still land.
	room.RemoveUser("c1")
	rooms.Cleanup("demo")

	snapshot, err := store.Load("demo")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, []string{"s1"}, snapshot.CommittedOrder)
}

func TestRestartDurability(t *testing.T) {
	dir := t.TempDir()

	// Persisted state written by a previous process: committedOrder [X,Y,Z],
	// undone {Y}, redoStack [Y], seq 12.
	before := storage.NewStore(dir)
	require.NoError(t, before.Save("demo", &types.PersistedRoom{
		Seq: 12,
		Strokes: []types.Stroke{
			{ID: "X", UserID: "alice", Tool: types.ToolBrush, Color: "#000", Width: 1, Points: []types.Point{{0, 0}}, Committed: true},
			{ID: "Y", UserID: "alice", Tool: types.ToolBrush, Color: "#000", Width: 1, Points: []types.Point{{1, 1}}, Committed: true},
			{ID: "Z", UserID: "bob", Tool: types.ToolBrush, Color: "#000", Width: 1, Points: []types.Point{{2, 2}}, Committed: true},
		},
		Undone:         []string{"Y"},
		CommittedOrder: []string{"X", "Y", "Z"},
		RedoStack:      []string{"Y"},
	}))

	// "Restart": a fresh store and rooms manager over the same data dir.
	rooms := NewRooms(storage.NewStore(dir))
	room := rooms.GetOrCreate("demo")

	sync := room.SyncSnapshot()
	assert.Equal(t, int64(12), sync.Seq)
	assert.Len(t, sync.Strokes, 3)
	assert.Equal(t, []string{"Y"}, sync.Undone)
	assert.Empty(t, sync.InProgress)

	// Redo after restart reactivates Y.
	env, err := room.Apply("alice", &types.ClientOp{T: types.OpRedo})
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, int64(13), env.Seq)
	assert.Equal(t, "Y", env.Op.StrokeID)
}

func TestShutdownFlushesAllRooms(t *testing.T) {
	store := storage.NewStore(t.TempDir())
	rooms := NewRooms(store)
	for _, id := range []string{"a", "b"} {
		room := rooms.GetOrCreate(id)
		_, err := room.Apply("alice", &types.ClientOp{
			T: types.OpStrokeStart, StrokeID: "s-" + id,
			Tool: types.ToolBrush, Color: "#000", Width: 1, X: 0, Y: 0,
		})
		require.NoError(t, err)
	}

	rooms.Shutdown()

	for _, id := range []string{"a", "b"} {
		snapshot, err := store.Load(id)
		require.NoError(t, err)
		require.NotNil(t, snapshot, id)
		assert.Equal(t, int64(1), snapshot.Seq)
	}
}
