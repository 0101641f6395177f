// Package telemetry receives step updates from agents, persists them through
// the state manager, and fans them out to websocket subscribers.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
)

// subscriberBuffer bounds the per-subscriber queue; slow consumers lose the
// oldest frames rather than stalling the hub.
const subscriberBuffer = 64

// TopicJobsList carries run-level summaries for dashboard listings.
const TopicJobsList = "jobs_list"

// TopicJob returns the per-job telemetry topic name.
func TopicJob(jobID string) string { return "job_telemetry:" + jobID }

// Hub is a topic-keyed broadcast of encoded telemetry frames.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[chan []byte]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a subscriber channel for a topic. The returned cancel
// removes the subscription and closes the channel.
func (h *Hub) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[chan []byte]struct{})
		h.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.topics[topic], ch)
			if len(h.topics[topic]) == 0 {
				delete(h.topics, topic)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers a frame to every subscriber of a topic. Full subscriber
// queues drop their oldest frame to make room.
func (h *Hub) Publish(topic string, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.topics[topic] {
		select {
		case ch <- frame:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// ServeWS upgrades the request to a websocket and streams one topic until the
// client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "Websocket accept failed", tag.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	frames, cancel := h.Subscribe(topic)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}
