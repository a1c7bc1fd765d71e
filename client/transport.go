package client

import (
	"bytes"
	"canvas-sync/core"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type (
	// Mutation is a local mutation intent awaiting server confirmation.
	Mutation struct {
		Type     core.MutationType
		CanvasID string
		Kind     core.ObjectKind
		// ObjectID targets update/delete; empty for create until confirmed.
		ObjectID string
		// Payload is the raw business payload sent to the server.
		Payload json.RawMessage
		// CorrelationID matches the committed event back to this intent.
		CorrelationID string
	}

	// Transport delivers mutation intents to the server. SendLive is the
	// low-latency channel; SendFallback is the request/response path used
	// when the live channel fails. Both return the committed event on
	// success. Send failures carry the transport_error kind; server-side
	// rejections keep their original kind.
	Transport interface {
		SendLive(ctx context.Context, token string, m *Mutation) (*core.MutationEvent, error)
		SendFallback(ctx context.Context, token string, m *Mutation) (*core.MutationEvent, error)
	}
)

// HTTPFallback implements the fallback half of Transport against the
// /api/v2 object endpoints. Live delivery is supplied separately by the
// socket layer; HTTPFallback.SendLive always fails with a transport error so
// a fallback-only configuration still converges through HTTP.
type HTTPFallback struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPFallback(baseURL string) *HTTPFallback {
	return &HTTPFallback{BaseURL: baseURL, Client: http.DefaultClient}
}

// SendLive reports the live channel as unavailable.
func (t *HTTPFallback) SendLive(ctx context.Context, token string, m *Mutation) (*core.MutationEvent, error) {
	return nil, core.Errorf(core.KindTransport, "live channel not configured")
}

// SendFallback performs the mutation over HTTP and decodes the committed
// event from the response.
func (t *HTTPFallback) SendFallback(ctx context.Context, token string, m *Mutation) (*core.MutationEvent, error) {
	var (
		method  string
		url     string
		body    io.Reader
		encoded []byte
		err     error
	)

	switch m.Type {
	case core.MutationCreate:
		method = http.MethodPost
		url = fmt.Sprintf("%s/api/v2/canvases/%s/objects", t.BaseURL, m.CanvasID)
		encoded, err = t.wrapCreate(m)
	case core.MutationUpdate:
		method = http.MethodPut
		url = fmt.Sprintf("%s/api/v2/canvases/%s/objects/%s", t.BaseURL, m.CanvasID, m.ObjectID)
		encoded, err = t.wrapPayload(m)
	case core.MutationDelete:
		method = http.MethodDelete
		url = fmt.Sprintf("%s/api/v2/canvases/%s/objects/%s?correlationId=%s", t.BaseURL, m.CanvasID, m.ObjectID, m.CorrelationID)
	default:
		return nil, core.Errorf(core.KindValidation, "unknown mutation type %q", m.Type)
	}
	if err != nil {
		return nil, err
	}
	if encoded != nil {
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, core.WrapErr(core.KindTransport, err, "failed to build fallback request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, core.WrapErr(core.KindTransport, err, "fallback request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.WrapErr(core.KindTransport, err, "failed to read fallback response")
	}

	if resp.StatusCode >= 400 {
		var errBody struct {
			Kind    core.ErrorKind `json:"kind"`
			Message string         `json:"message"`
		}
		if err := json.Unmarshal(data, &errBody); err != nil || errBody.Kind == "" {
			return nil, core.Errorf(core.KindInternal, "fallback request returned status %d", resp.StatusCode)
		}
		return nil, core.Errorf(errBody.Kind, "%s", errBody.Message)
	}

	event := &core.MutationEvent{}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, core.WrapErr(core.KindTransport, err, "failed to decode committed event")
	}
	return event, nil
}

// wrapCreate injects the kind and correlation envelope into the create body.
// A payload that cannot be encoded is a local validation failure, not
// something worth a round trip.
func (t *HTTPFallback) wrapCreate(m *Mutation) ([]byte, error) {
	body := map[string]any{
		"kind":          m.Kind,
		"correlationId": m.CorrelationID,
		"payload":       json.RawMessage(m.Payload),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, core.WrapErr(core.KindValidation, err, "failed to encode mutation body")
	}
	return data, nil
}

func (t *HTTPFallback) wrapPayload(m *Mutation) ([]byte, error) {
	body := map[string]any{
		"correlationId": m.CorrelationID,
		"payload":       json.RawMessage(m.Payload),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, core.WrapErr(core.KindValidation, err, "failed to encode mutation body")
	}
	return data, nil
}
