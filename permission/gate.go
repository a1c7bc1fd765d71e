package permission

import (
	"canvas-sync/core"
	"context"

	"github.com/sirupsen/logrus"
)

// Level is the access required for an operation.
type Level string

const (
	LevelView Level = "view"
	LevelEdit Level = "edit"
)

// Gate answers "may this identity touch this canvas". It returns nil on
// success; a permission_denied-kind error when the canvas exists but the
// identity lacks rights; and a not_found-kind error when the canvas does not
// exist. The two failures are deliberately distinct types: denial can look
// recoverable to a retrying client, a missing canvas never is.
type Gate struct {
	meta core.CanvasMetaStore
}

func NewGate(meta core.CanvasMetaStore) *Gate {
	return &Gate{meta: meta}
}

// Check resolves the canvas and evaluates the required level against it.
func (g *Gate) Check(ctx context.Context, identity *core.Identity, canvasID string, level Level) error {
	canvas, err := g.meta.GetCanvas(ctx, canvasID)
	if err != nil {
		// Propagate unchanged: the meta store already tags missing canvases
		// as not_found.
		return err
	}

	allowed := false
	switch level {
	case LevelView:
		allowed = canvas.CanView(identity.Subject)
	case LevelEdit:
		allowed = canvas.CanEdit(identity.Subject)
	}

	if !allowed {
		logrus.WithFields(logrus.Fields{
			"canvas_id": canvasID,
			"subject":   identity.Subject,
			"level":     level,
		}).Warn("permission denied")
		return core.Errorf(core.KindPermissionDenied, "%s access to canvas %s denied", level, canvasID)
	}
	return nil
}
