package core

import (
	"context"
	"time"
)

type (
	// Canvas is the metadata this engine needs for permission checks. Canvas
	// lifecycle (create/rename/delete) belongs to an external service; the
	// engine only reads these rows.
	Canvas struct {
		ID      string `json:"id"`
		OwnerID string `json:"ownerId"`
		// Public canvases are viewable (not editable) by any identity.
		Public bool `json:"public"`
		// Collaborators hold edit rights alongside the owner.
		Collaborators []string  `json:"collaborators,omitempty"`
		CreatedAt     time.Time `json:"createdAt"`
		UpdatedAt     time.Time `json:"updatedAt"`
	}

	// CanvasMetaStore resolves canvas metadata. A missing canvas surfaces as a
	// not_found-kind error, never as a bare false/nil.
	CanvasMetaStore interface {
		// GetCanvas returns the canvas or a not_found-kind error.
		GetCanvas(ctx context.Context, id string) (*Canvas, error)

		// PutCanvas registers canvas metadata. Used at seed time by the
		// external canvas service.
		PutCanvas(ctx context.Context, canvas *Canvas) error
	}

	// ObjectStore is the authoritative record of canvas objects. Each write
	// atomically assigns the next per-canvas sequence number; writes to one
	// canvas are serialized, different canvases proceed concurrently. There is
	// no observable partial-write state.
	ObjectStore interface {
		// CreateObject commits a new object and assigns its id and sequence
		// number. Object ids are never client-generated.
		CreateObject(ctx context.Context, canvasID string, kind ObjectKind, props ObjectProps, creator string) (*CanvasObject, error)

		// UpdateObject overlays changes onto the stored object, bumps its
		// timestamp and sequence number, and returns the committed state. A
		// missing object id is a not_found-kind error.
		UpdateObject(ctx context.Context, canvasID, objectID string, changes ObjectProps) (*CanvasObject, error)

		// DeleteObject removes the object (hard delete, no tombstone) and
		// returns the sequence number assigned to the deletion. A missing
		// object id is a not_found-kind error.
		DeleteObject(ctx context.Context, canvasID, objectID string) (uint64, error)

		// GetObject returns the current committed state of one object.
		GetObject(ctx context.Context, canvasID, objectID string) (*CanvasObject, error)

		// SnapshotObjects returns all current objects of the canvas plus the
		// highest sequence number the snapshot reflects.
		SnapshotObjects(ctx context.Context, canvasID string) ([]*CanvasObject, uint64, error)
	}

	// SnapshotStore archives serialized canvas snapshots (export/restore).
	SnapshotStore interface {
		SaveSnapshot(ctx context.Context, canvasID string, data []byte) (string, error)
		LoadSnapshot(ctx context.Context, canvasID, snapshotID string) ([]byte, error)
	}
)

// CanEdit reports whether the identity may mutate objects on the canvas.
func (c *Canvas) CanEdit(subject string) bool {
	if subject == c.OwnerID {
		return true
	}
	for _, collab := range c.Collaborators {
		if collab == subject {
			return true
		}
	}
	return false
}

// CanView reports whether the identity may read the canvas.
func (c *Canvas) CanView(subject string) bool {
	return c.Public || c.CanEdit(subject)
}
