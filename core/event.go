package core

import "time"

// MutationType names the three committed mutation shapes.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// Live-channel event names, one per mutation type plus lifecycle and errors.
const (
	EventObjectCreated = "object_created"
	EventObjectUpdated = "object_updated"
	EventObjectDeleted = "object_deleted"
	EventJoinedCanvas  = "joined_canvas"
	EventLeftCanvas    = "left_canvas"
	EventError         = "error"
)

type (
	// MutationEvent is a committed create/update/delete as fanned out to
	// subscribers. Seq is assigned by the object store at commit time and is
	// the only ordering authority for a canvas: receivers apply events in
	// non-decreasing Seq order and drop anything already applied.
	MutationEvent struct {
		Type     MutationType `json:"type"`
		CanvasID string       `json:"canvasId"`
		Seq      uint64       `json:"seq"`

		// Object carries the full committed state for create and update.
		Object *CanvasObject `json:"object,omitempty"`
		// ObjectID is always set; for delete it is the only object payload.
		ObjectID string `json:"objectId"`
		// Changes echoes the normalized update delta, when the type is update.
		Changes *ObjectProps `json:"changes,omitempty"`

		Actor string `json:"actor"`
		// CorrelationID is the client-generated token of the originating
		// mutation, echoed back so the originator can resolve its pending
		// optimistic state instead of double-applying.
		CorrelationID string    `json:"correlationId,omitempty"`
		CommittedAt   time.Time `json:"committedAt"`
	}

	// CanvasSnapshot is the joined_canvas payload: the current object set and
	// the sequence number to resume event application from.
	CanvasSnapshot struct {
		CanvasID string          `json:"canvasId"`
		Objects  []*CanvasObject `json:"objects"`
		// Seq is the highest sequence number reflected in Objects; the first
		// live event a joiner applies must have Seq greater than this.
		Seq uint64 `json:"seq"`
	}

	// ErrorEvent is the live-channel error payload. Kind is machine-readable
	// and drives the client retry policy; Message is for humans.
	ErrorEvent struct {
		Kind          ErrorKind `json:"kind"`
		Message       string    `json:"message"`
		CanvasID      string    `json:"canvasId,omitempty"`
		CorrelationID string    `json:"correlationId,omitempty"`
	}
)

// Name returns the live-channel event name for the mutation type.
func (e *MutationEvent) Name() string {
	switch e.Type {
	case MutationCreate:
		return EventObjectCreated
	case MutationUpdate:
		return EventObjectUpdated
	case MutationDelete:
		return EventObjectDeleted
	}
	return ""
}
