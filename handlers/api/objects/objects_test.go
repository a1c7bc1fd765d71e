package objects

import (
	"bytes"
	"canvas-sync/auth"
	"canvas-sync/core"
	"canvas-sync/engine"
	"canvas-sync/live"
	authMiddleware "canvas-sync/middleware"
	"canvas-sync/ratelimit"
	"canvas-sync/stores/memory"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	auth.SetSecret([]byte("handler-test-secret"))

	store := memory.NewStore()
	err := store.PutCanvas(context.Background(), &core.Canvas{
		ID:      "c1",
		OwnerID: "owner",
	})
	if err != nil {
		t.Fatalf("PutCanvas() failed: %v", err)
	}
	eng := engine.New(store, nil, ratelimit.AllowAll{}, live.NewRegistry())

	r := chi.NewRouter()
	r.Route("/api/v2", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.AuthJWT)
			r.Route("/canvases/{canvasID}", func(r chi.Router) {
				r.Get("/objects", HandleListObjects(eng))
				r.Post("/objects", HandleCreateObject(eng))
				r.Put("/objects/{objectID}", HandleUpdateObject(eng))
				r.Delete("/objects/{objectID}", HandleDeleteObject(eng))
			})
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func bearer(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.Sign(core.Identity{Subject: subject}, time.Hour)
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}
	return "Bearer " + tok
}

func doJSON(t *testing.T, method, url, authz string, body []byte) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestCreateObjectOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v2/canvases/c1/objects", bearer(t, "owner"),
		[]byte(`{"kind":"rectangle","correlationId":"corr-1","payload":{"x":1,"y":1,"width":10,"height":10}}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body: %s)", resp.StatusCode, body)
	}

	var event core.MutationEvent
	if err := json.Unmarshal(body, &event); err != nil {
		t.Fatalf("response is not a mutation event: %v", err)
	}
	if event.Type != core.MutationCreate || event.Seq != 1 || event.CorrelationID != "corr-1" {
		t.Errorf("event mismatch: %+v", event)
	}
	if event.Object == nil || event.Object.ID == "" {
		t.Error("committed object missing from response")
	}
}

func TestUpdateAndDeleteOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/v2/canvases/c1/objects", bearer(t, "owner"),
		[]byte(`{"kind":"circle","payload":{"x":1,"y":1,"radius":5}}`))
	var created core.MutationEvent
	json.Unmarshal(body, &created)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/v2/canvases/c1/objects/"+created.ObjectID, bearer(t, "owner"),
		[]byte(`{"payload":{"radius":9}}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d (body: %s)", resp.StatusCode, body)
	}
	var updated core.MutationEvent
	json.Unmarshal(body, &updated)
	if updated.Seq != 2 || *updated.Object.Props.Radius != 9 {
		t.Errorf("update event mismatch: %+v", updated)
	}

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/api/v2/canvases/c1/objects/"+created.ObjectID+"?correlationId=corr-9", bearer(t, "owner"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d (body: %s)", resp.StatusCode, body)
	}
	var deleted core.MutationEvent
	json.Unmarshal(body, &deleted)
	if deleted.Type != core.MutationDelete || deleted.Seq != 3 || deleted.CorrelationID != "corr-9" {
		t.Errorf("delete event mismatch: %+v", deleted)
	}
}

func TestListObjectsServesSnapshot(t *testing.T) {
	srv := newTestServer(t)

	doJSON(t, http.MethodPost, srv.URL+"/api/v2/canvases/c1/objects", bearer(t, "owner"),
		[]byte(`{"kind":"text","payload":{"x":0,"y":0,"text":"hi"}}`))

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v2/canvases/c1/objects", bearer(t, "owner"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", resp.StatusCode, body)
	}
	var snap core.CanvasSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("response is not a snapshot: %v", err)
	}
	if snap.CanvasID != "c1" || len(snap.Objects) != 1 || snap.Seq != 1 {
		t.Errorf("snapshot mismatch: %+v", snap)
	}
}

func TestMissingAuthorizationRejected(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v2/canvases/c1/objects", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

// Error kinds must travel verbatim in the body; the status code mirrors them.
func TestErrorKindsMapToStatusCodes(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name   string
		method string
		url    string
		authz  string
		body   []byte
		status int
		kind   core.ErrorKind
	}{
		{
			name:   "validation",
			method: http.MethodPost,
			url:    srv.URL + "/api/v2/canvases/c1/objects",
			authz:  bearer(t, "owner"),
			body:   []byte(`{"kind":"rectangle","payload":{"x":1,"y":1,"width":10}}`),
			status: http.StatusBadRequest,
			kind:   core.KindValidation,
		},
		{
			name:   "permission denied",
			method: http.MethodPost,
			url:    srv.URL + "/api/v2/canvases/c1/objects",
			authz:  bearer(t, "stranger"),
			body:   []byte(`{"kind":"rectangle","payload":{"x":1,"y":1,"width":10,"height":10}}`),
			status: http.StatusForbidden,
			kind:   core.KindPermissionDenied,
		},
		{
			name:   "canvas not found",
			method: http.MethodGet,
			url:    srv.URL + "/api/v2/canvases/no-such/objects",
			authz:  bearer(t, "owner"),
			status: http.StatusNotFound,
			kind:   core.KindNotFound,
		},
		{
			name:   "object not found",
			method: http.MethodDelete,
			url:    srv.URL + "/api/v2/canvases/c1/objects/ghost",
			authz:  bearer(t, "owner"),
			status: http.StatusNotFound,
			kind:   core.KindNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, tc.method, tc.url, tc.authz, tc.body)
			if resp.StatusCode != tc.status {
				t.Errorf("status = %d, want %d (body: %s)", resp.StatusCode, tc.status, body)
			}
			var errBody struct {
				Kind core.ErrorKind `json:"kind"`
			}
			if err := json.Unmarshal(body, &errBody); err != nil {
				t.Fatalf("error body not JSON: %v", err)
			}
			if errBody.Kind != tc.kind {
				t.Errorf("kind = %s, want %s", errBody.Kind, tc.kind)
			}
		})
	}
}
