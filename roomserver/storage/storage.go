// Package storage persists per-room drawing snapshots as JSON files under a
// data directory. Writes are atomic by rename so readers never observe a
// torn file; reads treat missing and malformed files as "no prior state" so
// a corrupt snapshot can never keep a room from booting.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/scrawlhq/scrawl/internal/caching"
	"github.com/scrawlhq/scrawl/roomserver/types"
)

var (
	snapshotWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "storage",
		Name:      "snapshot_write_failures",
		Help:      "Total number of failed room snapshot writes",
	})
	snapshotCorruptLoads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scrawl",
		Subsystem: "storage",
		Name:      "snapshot_corrupt_loads",
		Help:      "Total number of room snapshot files discarded as malformed",
	})
)

var registerStorageMetrics sync.Once

func init() {
	registerStorageMetrics.Do(func() {
		prometheus.MustRegister(snapshotWriteFailures, snapshotCorruptLoads)
	})
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeRoomID maps a room id onto a safe file name component. Distinct
// ids that differ only in substituted characters collapse to the same file;
// there is no collision check.
func SanitizeRoomID(roomID string) string {
	return unsafeFilenameChars.ReplaceAllString(roomID, "_")
}

// Store reads and writes room snapshots under a single data directory. The
// directory is created lazily on first write. Per-room write ordering is the
// caller's responsibility (each room persists from its own serialization
// domain); the Store itself is safe for use from multiple rooms at once.
type Store struct {
	dataDir   string
	mkdirOnce sync.Once
	mkdirErr  error
	snapshots *caching.SnapshotCache
}

func NewStore(dataDir string) *Store {
	return &Store{
		dataDir:   dataDir,
		snapshots: caching.NewSnapshotCache(),
	}
}

func (s *Store) path(roomID string) string {
	return filepath.Join(s.dataDir, "room_"+SanitizeRoomID(roomID)+".json")
}

// Load returns the last persisted snapshot for the room, or (nil, nil) when
// there is no usable prior state. Only unexpected I/O failures (permissions,
// transient read errors) surface as errors.
func (s *Store) Load(roomID string) (*types.PersistedRoom, error) {
	if snapshot, ok := s.snapshots.GetRoomSnapshot(roomID); ok {
		return snapshot, nil
	}
	raw, err := os.ReadFile(s.path(roomID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read snapshot for room %q", roomID)
	}
	var snapshot types.PersistedRoom
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		snapshotCorruptLoads.Inc()
		logrus.WithError(err).WithField("room_id", roomID).Warn(
			"Discarding malformed room snapshot, room starts empty",
		)
		return nil, nil
	}
	s.snapshots.StoreRoomSnapshot(roomID, &snapshot)
	return &snapshot, nil
}

// Save atomically replaces the room's snapshot file: serialize to a sibling
// temp file, then rename over the final path.
func (s *Store) Save(roomID string, snapshot *types.PersistedRoom) error {
	if err := s.ensureDataDir(); err != nil {
		snapshotWriteFailures.Inc()
		return err
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		snapshotWriteFailures.Inc()
		return errors.Wrapf(err, "failed to encode snapshot for room %q", roomID)
	}
	final := s.path(roomID)
	tmp, err := os.CreateTemp(s.dataDir, filepath.Base(final)+".tmp-*")
	if err != nil {
		snapshotWriteFailures.Inc()
		return errors.Wrap(err, "failed to create temp snapshot file")
	}
	if _, err = tmp.Write(raw); err == nil {
		err = tmp.Close()
	} else {
		tmp.Close() // nolint: errcheck
	}
	if err != nil {
		os.Remove(tmp.Name()) // nolint: errcheck
		snapshotWriteFailures.Inc()
		return errors.Wrapf(err, "failed to write snapshot for room %q", roomID)
	}
	if err = os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name()) // nolint: errcheck
		snapshotWriteFailures.Inc()
		return errors.Wrapf(err, "failed to replace snapshot for room %q", roomID)
	}
	s.snapshots.StoreRoomSnapshot(roomID, snapshot)
	return nil
}

func (s *Store) ensureDataDir() error {
	s.mkdirOnce.Do(func() {
		s.mkdirErr = errors.Wrap(os.MkdirAll(s.dataDir, 0o755), "failed to create data directory")
	})
	return s.mkdirErr
}
