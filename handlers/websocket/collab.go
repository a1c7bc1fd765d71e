package websocket

import (
	"canvas-sync/core"
	"canvas-sync/engine"
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// socketConn adapts a socket.io socket to the live.Conn the registry tracks.
type socketConn struct {
	socket *socketio.Socket
}

func (c *socketConn) ID() string { return string(c.socket.Id()) }

func (c *socketConn) Send(event string, payload any) error {
	return c.socket.Emit(event, payload)
}

// message is the decoded envelope of one inbound live-channel message. The
// token travels in every message: live events do not share the connection's
// handshake context, so nothing here relies on ambient per-connection
// identity.
type message struct {
	canvasID      string
	token         string
	objectID      string
	kind          string
	correlationID string
	payload       json.RawMessage
}

func decodeMessage(datas []any) (message, bool) {
	if len(datas) == 0 {
		return message{}, false
	}
	fields, ok := datas[0].(map[string]any)
	if !ok {
		return message{}, false
	}

	str := func(name string) string {
		s, _ := fields[name].(string)
		return s
	}
	m := message{
		canvasID:      str("canvasId"),
		token:         str("token"),
		objectID:      str("objectId"),
		kind:          str("kind"),
		correlationID: str("correlationId"),
	}
	if raw, ok := fields["payload"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return message{}, false
		}
		m.payload = data
	}
	return m, true
}

func emitError(socket *socketio.Socket, m message, err error) {
	_ = socket.Emit(core.EventError, core.ErrorEvent{
		Kind:          core.KindOf(err),
		Message:       err.Error(),
		CanvasID:      m.canvasID,
		CorrelationID: m.correlationID,
	})
}

// SetupSocketIO wires the live channel onto the engine.
func SetupSocketIO(e *engine.Engine) *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		conn := &socketConn{socket: socket}

		// Subscriptions held by this connection, by canvas id.
		var subMu sync.Mutex
		subs := make(map[string]string)

		subFor := func(canvasID string) string {
			subMu.Lock()
			defer subMu.Unlock()
			return subs[canvasID]
		}

		socket.On("join-canvas", func(datas ...any) {
			m, ok := decodeMessage(datas)
			if !ok || m.canvasID == "" {
				emitError(socket, m, core.Errorf(core.KindValidation, "join requires a canvas id"))
				return
			}

			subID, snapshot, err := e.Join(context.Background(), m.token, m.canvasID, conn)
			if err != nil {
				emitError(socket, m, err)
				return
			}

			subMu.Lock()
			if old, ok := subs[m.canvasID]; ok {
				e.Leave(old)
			}
			subs[m.canvasID] = subID
			subMu.Unlock()

			_ = socket.Emit(core.EventJoinedCanvas, snapshot)
		})

		socket.On("leave-canvas", func(datas ...any) {
			m, ok := decodeMessage(datas)
			if !ok || m.canvasID == "" {
				return
			}

			subMu.Lock()
			subID, ok := subs[m.canvasID]
			delete(subs, m.canvasID)
			subMu.Unlock()
			if ok {
				e.Leave(subID)
			}
			_ = socket.Emit(core.EventLeftCanvas, map[string]string{"canvasId": m.canvasID})
		})

		socket.On("create-object", func(datas ...any) {
			m, ok := decodeMessage(datas)
			if !ok {
				emitError(socket, m, core.Errorf(core.KindValidation, "malformed message"))
				return
			}

			event, err := e.Create(context.Background(), engine.MutationRequest{
				Token:         m.token,
				CanvasID:      m.canvasID,
				Kind:          core.ObjectKind(m.kind),
				Payload:       m.payload,
				CorrelationID: m.correlationID,
			}, subFor(m.canvasID))
			if err != nil {
				emitError(socket, m, err)
				return
			}
			// The broadcast excluded the originator; confirm directly so its
			// pending state resolves.
			_ = socket.Emit(event.Name(), event)
		})

		socket.On("update-object", func(datas ...any) {
			m, ok := decodeMessage(datas)
			if !ok {
				emitError(socket, m, core.Errorf(core.KindValidation, "malformed message"))
				return
			}

			event, err := e.Update(context.Background(), engine.MutationRequest{
				Token:         m.token,
				CanvasID:      m.canvasID,
				ObjectID:      m.objectID,
				Payload:       m.payload,
				CorrelationID: m.correlationID,
			}, subFor(m.canvasID))
			if err != nil {
				emitError(socket, m, err)
				return
			}
			_ = socket.Emit(event.Name(), event)
		})

		socket.On("delete-object", func(datas ...any) {
			m, ok := decodeMessage(datas)
			if !ok {
				emitError(socket, m, core.Errorf(core.KindValidation, "malformed message"))
				return
			}

			// Delete broadcasts include the originator's subscription, so no
			// direct confirmation emit here; non-subscribed originators still
			// get the returned event dropped, which is fine — they learn of
			// the delete when they next resume.
			if _, err := e.Delete(context.Background(), engine.MutationRequest{
				Token:         m.token,
				CanvasID:      m.canvasID,
				ObjectID:      m.objectID,
				CorrelationID: m.correlationID,
			}, subFor(m.canvasID)); err != nil {
				emitError(socket, m, err)
			}
		})

		socket.On("disconnecting", func(datas ...any) {
			subMu.Lock()
			ids := make([]string, 0, len(subs))
			for _, subID := range subs {
				ids = append(ids, subID)
			}
			subs = make(map[string]string)
			subMu.Unlock()

			for _, subID := range ids {
				e.Leave(subID)
			}
			e.Registry().UnsubscribeConn(string(socket.Id()))
			logrus.WithField("socket_id", socket.Id()).Debug("socket disconnecting")
		})

		socket.On("disconnect", func(datas ...any) {
			socket.RemoveAllListeners("")
			socket.Disconnect(true)
		})
	})

	return srv
}
