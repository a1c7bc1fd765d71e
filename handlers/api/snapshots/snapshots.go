package snapshots

import (
	"canvas-sync/core"
	"canvas-sync/engine"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	exportResponse struct {
		ID string `json:"id"`
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
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	logrus.WithFields(logrus.Fields{
		"kind":  kind,
		"error": err,
		"path":  r.URL.Path,
	}).Warn("snapshot request rejected")
	render.Status(r, statusFor(kind))
	render.JSON(w, r, errorBody{Kind: kind, Message: err.Error()})
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// HandleExportCanvas archives the canvas's current object set.
func HandleExportCanvas(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := e.Export(r.Context(), bearerToken(r), chi.URLParam(r, "canvasID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, exportResponse{ID: id})
	}
}

// HandleGetExport returns a previously archived snapshot verbatim.
func HandleGetExport(e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := e.LoadExport(r.Context(), bearerToken(r), chi.URLParam(r, "canvasID"), chi.URLParam(r, "snapshotID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}
