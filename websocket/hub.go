package websocket

import (
	"encoding/json"
	"sync"
)

// Hub manages a set of WebSocket connections for broadcasting. Unlike a
// naive fan-out that spawns one goroutine per client per broadcast, Hub
// enqueues each broadcast onto every client's own BackpressureConn at
// PriorityNormal: a single slow client accumulates backpressure on its
// own SendBuffer instead of leaving an unbounded number of goroutines
// blocked on its socket.
//
// Example Usage:
//
//	hub := websocket.NewHub(websocket.DefaultBackpressureConfig())
//	go hub.Run()
//	defer hub.Close()
//
//	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//	    conn, _ := websocket.Upgrade(w, r, nil)
//	    client := hub.Register(conn)
//	    defer hub.Unregister(client)
//
//	    for {
//	        msg, err := conn.Read()
//	        if err != nil {
//	            return
//	        }
//	        hub.Broadcast(msg.Data)
//	    }
//	})
type Hub struct {
	bpCfg BackpressureConfig

	clients map[*BackpressureConn]bool

	register   chan *BackpressureConn
	unregister chan *BackpressureConn
	broadcast  chan []byte

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup

	mu sync.RWMutex
}

// NewHub creates a Hub that wraps every registered *Conn in a
// BackpressureConn configured with bpCfg. The Hub must be started by
// calling Run in a goroutine.
func NewHub(bpCfg BackpressureConfig) *Hub {
	return &Hub{
		bpCfg:      bpCfg,
		clients:    make(map[*BackpressureConn]bool),
		register:   make(chan *BackpressureConn),
		unregister: make(chan *BackpressureConn),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the Hub's event loop. It blocks and should be called in a
// goroutine; it exits when Close is called.
func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				_ = client.Close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if err := client.Send(PriorityNormal, OpBinary, message); err != nil {
					go h.Unregister(client)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			return
		}
	}
}

// Register wraps conn in a BackpressureConn using the Hub's configured
// BackpressureConfig, adds it to the Hub, and returns it so the caller
// can later pass it to Unregister. Returns nil if the Hub is closed.
func (h *Hub) Register(conn *Conn) *BackpressureConn {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil
	}
	h.mu.RUnlock()

	client := NewBackpressureConn(conn, h.bpCfg)
	h.register <- client
	return client
}

// Unregister removes client from the Hub and closes it. Safe to call
// more than once for the same client.
func (h *Hub) Unregister(client *BackpressureConn) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.unregister <- client
}

// Broadcast queues message for asynchronous delivery, as a Binary
// message, to every registered client. It only queues onto the Hub's own
// broadcast channel (capacity 256) and returns; it blocks only while that
// channel is full.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.broadcast <- message
}

// BroadcastText queues text as a Text message to every registered client.
func (h *Hub) BroadcastText(text string) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	h.mu.RLock()
	for client := range h.clients {
		if err := client.Send(PriorityNormal, OpText, []byte(text)); err != nil {
			go h.Unregister(client)
		}
	}
	h.mu.RUnlock()
}

// BroadcastJSON marshals v and queues it as a Text message to every
// registered client.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.BroadcastText(string(data))
	return nil
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the Hub's event loop and closes every registered client.
// Safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.done)
	h.wg.Wait()

	h.mu.Lock()
	for client := range h.clients {
		_ = client.Close()
	}
	h.clients = make(map[*BackpressureConn]bool)
	h.mu.Unlock()

	close(h.register)
	close(h.unregister)
	close(h.broadcast)

	return nil
}
