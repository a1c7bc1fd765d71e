package live

import (
	"github.com/sirupsen/logrus"
)

// Router fans a committed event out to a canvas's subscribers. Enqueueing is
// synchronous — callers that serialize commits per canvas therefore fill
// every subscriber queue in commit order, and each subscription's sender
// drains its queue sequentially, so no subscriber ever observes two events
// for a canvas out of order. Actual sends stay off the caller's path: one
// failing or stalled connection neither blocks nor fails the others, it just
// gets pruned from the registry.
type Router struct {
	registry *Registry
}

func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Broadcast enqueues the named event for every subscriber of the canvas
// except excludeSubID (empty string excludes nobody). It never blocks the
// caller on network latency.
func (rt *Router) Broadcast(canvasID, event string, payload any, excludeSubID string) {
	subs := rt.registry.SubscribersOf(canvasID)
	for _, sub := range subs {
		if sub.ID == excludeSubID {
			continue
		}
		if !sub.enqueue(event, payload) {
			logrus.WithFields(logrus.Fields{
				"subscription_id": sub.ID,
				"canvas_id":       sub.CanvasID,
				"event":           event,
			}).Warn("dropping subscriber with stalled delivery queue")
			rt.registry.Unsubscribe(sub.ID)
		}
	}
}
