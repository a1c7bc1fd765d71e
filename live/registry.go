package live

import (
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Conn is the transport-facing side of a live subscription. The socket layer
// wraps its sockets in this; tests substitute fakes.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

// queueCapacity bounds each subscription's delivery backlog. A subscriber
// that falls this far behind is pruned rather than allowed to stall or
// reorder the canvas.
const queueCapacity = 256

type delivery struct {
	event   string
	payload any
}

// Subscription ties a verified identity to a canvas over a live connection.
// Deliveries flow through a per-subscription queue drained by one sender
// goroutine, so a subscriber observes events in exactly the order they were
// enqueued — enqueueing is synchronous at commit time, sending is not.
type Subscription struct {
	ID       string
	Subject  string
	CanvasID string
	Conn     Conn

	mu     sync.Mutex
	closed bool
	queue  chan delivery
}

// enqueue appends one delivery, reporting false when the subscription is
// closed or its queue is full.
func (s *Subscription) enqueue(event string, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- delivery{event: event, payload: payload}:
		return true
	default:
		return false
	}
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// Registry tracks which identities are subscribed to which canvas. All
// methods are safe for concurrent use; SubscribersOf returns a snapshot so
// fan-out iteration tolerates concurrent subscribe/unsubscribe.
type Registry struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	byCanvas map[string]map[string]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{
		subs:     make(map[string]*Subscription),
		byCanvas: make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a connection on a canvas, starts its sender and returns
// the subscription id.
func (r *Registry) Subscribe(subject, canvasID string, conn Conn) string {
	sub := &Subscription{
		ID:       ulid.Make().String(),
		Subject:  subject,
		CanvasID: canvasID,
		Conn:     conn,
		queue:    make(chan delivery, queueCapacity),
	}

	r.mu.Lock()
	r.subs[sub.ID] = sub
	canvasSubs, ok := r.byCanvas[canvasID]
	if !ok {
		canvasSubs = make(map[string]*Subscription)
		r.byCanvas[canvasID] = canvasSubs
	}
	canvasSubs[sub.ID] = sub
	r.mu.Unlock()

	go r.sender(sub)

	logrus.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"canvas_id":       canvasID,
		"subject":         subject,
	}).Debug("subscribed")
	return sub.ID
}

// sender drains one subscription's queue in order. A send failure is an
// implicit disconnect: the subscription is dropped and the queue abandoned.
func (r *Registry) sender(sub *Subscription) {
	for d := range sub.queue {
		if err := sub.Conn.Send(d.event, d.payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"subscription_id": sub.ID,
				"canvas_id":       sub.CanvasID,
				"event":           d.event,
				"error":           err,
			}).Warn("dropping subscriber after failed delivery")
			r.Unsubscribe(sub.ID)
			return
		}
	}
}

// Unsubscribe removes a subscription and stops its sender. Unknown ids are a
// no-op, so defensive pruning and explicit leaves can race safely.
func (r *Registry) Unsubscribe(subID string) {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if ok {
		delete(r.subs, subID)
		if canvasSubs, ok := r.byCanvas[sub.CanvasID]; ok {
			delete(canvasSubs, subID)
			if len(canvasSubs) == 0 {
				delete(r.byCanvas, sub.CanvasID)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		sub.shutdown()
		logrus.WithFields(logrus.Fields{
			"subscription_id": subID,
			"canvas_id":       sub.CanvasID,
		}).Debug("unsubscribed")
	}
}

// UnsubscribeConn removes every subscription held by the connection. Called
// on socket disconnect.
func (r *Registry) UnsubscribeConn(connID string) {
	r.mu.Lock()
	var removed []*Subscription
	for id, sub := range r.subs {
		if sub.Conn.ID() == connID {
			delete(r.subs, id)
			if canvasSubs, ok := r.byCanvas[sub.CanvasID]; ok {
				delete(canvasSubs, id)
				if len(canvasSubs) == 0 {
					delete(r.byCanvas, sub.CanvasID)
				}
			}
			removed = append(removed, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range removed {
		sub.shutdown()
		logrus.WithFields(logrus.Fields{
			"subscription_id": sub.ID,
			"canvas_id":       sub.CanvasID,
		}).Debug("unsubscribed on disconnect")
	}
}

// SubscribersOf returns a snapshot of the canvas's current subscriptions.
func (r *Registry) SubscribersOf(canvasID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	canvasSubs := r.byCanvas[canvasID]
	out := make([]*Subscription, 0, len(canvasSubs))
	for _, sub := range canvasSubs {
		out = append(out, sub)
	}
	return out
}

// Get returns the subscription by id, or nil.
func (r *Registry) Get(subID string) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[subID]
}
