package objects

import (
	"canvas-sync/core"
	"canvas-sync/engine"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// The fallback request path: each endpoint runs the identical pipeline as the
// live channel and still broadcasts the committed event, so fallback commits
// stay visible to live-connected clients. Error kinds travel verbatim in the
// body — the status code is a convenience, the kind is the contract.

type (
	createRequest struct {
		Kind          core.ObjectKind `json:"kind"`
		CorrelationID string          `json:"correlationId,omitempty"`
		Payload       json.RawMessage `json:"payload"`
	}

	updateRequest struct {
		CorrelationID string          `json:"correlationId,omitempty"`
		Payload       json.RawMessage `json:"payload"`
	}

	errorBody struct {
		Kind    core.ErrorKind `json:"kind"`
		Message string         `json:"message"`
	}
)

func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindPermissionDenied:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	logrus.WithFields(logrus.Fields{
		"kind":  kind,
		"error": err,
		"path":  r.URL.Path,
	}).Warn("mutation rejected")
	render.Status(r, statusFor(kind))
	render.JSON(w, r, errorBody{Kind: kind, Message: err.Error()})
}

// bearerToken pulls the raw credential so the engine sees the same
// token-in-message shape on both transports.
func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// HandleCreateObject commits a create over the fallback path.
func HandleCreateObject(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, core.WrapErr(core.KindValidation, err, "malformed request body"))
			return
		}

		event, err := e.Create(r.Context(), engine.MutationRequest{
			Token:         bearerToken(r),
			CanvasID:      chi.URLParam(r, "canvasID"),
			Kind:          req.Kind,
			Payload:       req.Payload,
			CorrelationID: req.CorrelationID,
		}, "")
		if err != nil {
			writeError(w, r, err)
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, event)
	}
}

// HandleUpdateObject commits an update over the fallback path.
func HandleUpdateObject(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, core.WrapErr(core.KindValidation, err, "malformed request body"))
			return
		}

		event, err := e.Update(r.Context(), engine.MutationRequest{
			Token:         bearerToken(r),
			CanvasID:      chi.URLParam(r, "canvasID"),
			ObjectID:      chi.URLParam(r, "objectID"),
			Payload:       req.Payload,
			CorrelationID: req.CorrelationID,
		}, "")
		if err != nil {
			writeError(w, r, err)
			return
		}

		render.JSON(w, r, event)
	}
}

// HandleDeleteObject commits a delete over the fallback path.
func HandleDeleteObject(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event, err := e.Delete(r.Context(), engine.MutationRequest{
			Token:         bearerToken(r),
			CanvasID:      chi.URLParam(r, "canvasID"),
			ObjectID:      chi.URLParam(r, "objectID"),
			CorrelationID: r.URL.Query().Get("correlationId"),
		}, "")
		if err != nil {
			writeError(w, r, err)
			return
		}

		render.JSON(w, r, event)
	}
}

// HandleListObjects serves the resume snapshot for clients whose live channel
// is down.
func HandleListObjects(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := e.Resume(r.Context(), bearerToken(r), chi.URLParam(r, "canvasID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		render.JSON(w, r, snapshot)
	}
}
