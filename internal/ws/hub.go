package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans build progress out to subscribers of one applet.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	appletID string
	payload  []byte
}

type subscription struct {
	appletID string
	client   Subscriber
}

type countRequest struct {
	appletID string
	reply    chan int
}

// NewHub creates a running Hub. buffer bounds how many undelivered
// broadcasts may queue before Broadcast blocks.
func NewHub(buffer int) *Hub {
	if buffer < 0 {
		buffer = 0
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, buffer),
		count:     make(chan countRequest),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.appletID]; !ok {
				h.clients[sub.appletID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.appletID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.appletID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.appletID)
				}
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.appletID])
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.appletID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.appletID)
				}
			}
		}
	}
}

// Register adds a client to an applet's build stream.
func (h *Hub) Register(appletID string, client Subscriber) {
	select {
	case h.register <- subscription{appletID: appletID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(appletID string, client Subscriber) {
	select {
	case h.unreg <- subscription{appletID: appletID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to every subscriber of appletID.
func (h *Hub) Broadcast(appletID string, payload []byte) {
	select {
	case h.broadcast <- message{appletID: appletID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients follow appletID.
func (h *Hub) Subscribers(appletID string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{appletID: appletID, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
