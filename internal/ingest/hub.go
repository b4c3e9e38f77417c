package ingest

import (
	"context"
)

// Hub fans batches out to live subscribers. Subscribers that fall behind miss
// batches rather than stalling ingestion.
type Hub struct {
	broadcast  chan Batch
	register   chan chan Batch
	unregister chan chan Batch
	clients    map[chan Batch]struct{}
	clientBuf  int
	done       chan struct{}
}

type HubOption func(*Hub)

func WithBroadcastBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan Batch, size)
		}
	}
}

func WithClientBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		broadcast:  make(chan Batch, 256),
		register:   make(chan chan Batch),
		unregister: make(chan chan Batch),
		clients:    make(map[chan Batch]struct{}),
		clientBuf:  64,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves subscriptions until ctx is cancelled, then closes every client
// channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
				delete(h.clients, ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case b := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- b:
				default:
				}
			}
		}
	}
}

// Subscribe registers a client. The returned channel is closed by Unsubscribe
// or when the hub stops. After the hub has stopped Subscribe returns a closed
// channel.
func (h *Hub) Subscribe() chan Batch {
	ch := make(chan Batch, h.clientBuf)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

// Unsubscribe removes ch and closes it.
func (h *Hub) Unsubscribe(ch chan Batch) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Consume implements Sink by queueing b for broadcast.
func (h *Hub) Consume(ctx context.Context, b Batch) error {
	select {
	case h.broadcast <- b:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
