package filesystem

import (
	"canvas-sync/core"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Store archives canvas snapshots as files under basePath/<canvasID>/<id>.json.
type Store struct {
	basePath string
}

// NewStore creates a new filesystem-based snapshot store.
func NewStore(basePath string) *Store {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create base directory: %v", err)
	}
	return &Store{basePath: basePath}
}

// snapshotPath builds the archive path, rejecting ids that would escape the
// base directory.
func (s *Store) snapshotPath(canvasID, snapshotID string) (string, error) {
	for _, part := range []string{canvasID, snapshotID} {
		if part == "" || part == "." || part == ".." || filepath.Base(part) != part {
			return "", core.Errorf(core.KindValidation, "invalid snapshot path component %q", part)
		}
	}
	return filepath.Join(s.basePath, canvasID, snapshotID+".json"), nil
}

// SaveSnapshot writes the serialized canvas state and returns the archive id.
func (s *Store) SaveSnapshot(ctx context.Context, canvasID string, data []byte) (string, error) {
	id := ulid.Make().String()
	path, err := s.snapshotPath(canvasID, id)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", core.WrapErr(core.KindInternal, err, "failed to create snapshot directory")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", core.WrapErr(core.KindInternal, err, "failed to write snapshot")
	}

	logrus.WithFields(logrus.Fields{
		"canvas_id":   canvasID,
		"snapshot_id": id,
		"data_length": len(data),
	}).Info("snapshot archived")
	return id, nil
}

// LoadSnapshot reads a previously archived snapshot.
func (s *Store) LoadSnapshot(ctx context.Context, canvasID, snapshotID string) ([]byte, error) {
	path, err := s.snapshotPath(canvasID, snapshotID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.Errorf(core.KindNotFound, "snapshot %s not found for canvas %s", snapshotID, canvasID)
		}
		return nil, core.WrapErr(core.KindInternal, err, fmt.Sprintf("failed to read snapshot %s", snapshotID))
	}
	return data, nil
}
