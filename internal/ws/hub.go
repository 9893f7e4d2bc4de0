package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

// TopicAll receives messages for every run.
const TopicAll = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// SendQueueSize bounds the frames buffered per subscriber. A subscriber that
// falls this far behind is evicted.
const SendQueueSize = 64

// Hub manages stream subscriptions by run ID. Broadcast only enqueues; each
// subscriber is written to by its own goroutine, so a stalled client never
// holds up the publisher.
type Hub struct {
	clients   map[string]map[Subscriber]*peer
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

// message couples payload with a topic.
type message struct {
	topic   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	topic  string
	client Subscriber
}

// peer is a subscriber with its pending frames. queue is closed by the hub
// loop only, exactly once, when the peer leaves the map.
type peer struct {
	client Subscriber
	queue  chan []byte
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]*peer),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, SendQueueSize),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]*peer)
			}
			if _, ok := h.clients[sub.topic][sub.client]; ok {
				continue
			}
			p := &peer{client: sub.client, queue: make(chan []byte, SendQueueSize)}
			h.clients[sub.topic][sub.client] = p
			go h.writeLoop(sub.topic, p)
		case sub := <-h.unreg:
			h.remove(sub.topic, sub.client)
		case msg := <-h.broadcast:
			for c, p := range h.clients[msg.topic] {
				select {
				case p.queue <- msg.payload:
				default:
					h.remove(msg.topic, c)
				}
			}
		case <-h.done:
			for _, clients := range h.clients {
				for _, p := range clients {
					close(p.queue)
				}
			}
			h.clients = nil
			return
		}
	}
}

func (h *Hub) remove(topic string, client Subscriber) {
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	if p, ok := clients[client]; ok {
		close(p.queue)
		delete(clients, client)
	}
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}

// writeLoop delivers queued frames. After a failed send the rest of the
// queue is discarded and the hub is asked to drop the peer.
func (h *Hub) writeLoop(topic string, p *peer) {
	defer p.client.Close()
	failed := false
	for payload := range p.queue {
		if failed {
			continue
		}
		if err := p.client.Send(payload); err != nil {
			failed = true
			p.client.Close()
			go h.Unregister(topic, p.client)
		}
	}
}

// Register adds a client to a topic. An empty topic subscribes to all runs.
func (h *Hub) Register(topic string, client Subscriber) {
	if topic == "" {
		topic = TopicAll
	}
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	if topic == "" {
		topic = TopicAll
	}
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for all topic clients.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	case <-h.done:
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// StageMessage is the wire form of a stage record.
type StageMessage struct {
	RunID  string `json:"run_id"`
	Stage  string `json:"stage"`
	Status string `json:"status"`
	Info   string `json:"info,omitempty"`
	UTC    string `json:"utc"`
}

// OnStage publishes a stage record to the run topic and to TopicAll.
func (h *Hub) OnStage(runID string, rec domain.StageRecord) {
	payload, err := json.Marshal(StageMessage{
		RunID:  runID,
		Stage:  string(rec.Stage),
		Status: string(rec.Status),
		Info:   rec.Info,
		UTC:    rec.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	h.Broadcast(runID, payload)
	h.Broadcast(TopicAll, payload)
}
