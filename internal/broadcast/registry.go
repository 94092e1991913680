package broadcast

import "sync"

// Registry associates each connected client with its subscribed topics. All
// methods are safe for concurrent use; Subscribers returns a snapshot so the
// hub can multicast while clients connect and disconnect underneath it.
type Registry struct {
	mu      sync.RWMutex
	clients map[*Client]map[Topic]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[*Client]map[Topic]struct{}),
	}
}

// Add registers a client with an empty subscription set. It reports whether
// the client was newly added; a duplicate Add is a no-op.
func (r *Registry) Add(client *Client) bool {
	if client == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[client]; ok {
		return false
	}
	r.clients[client] = make(map[Topic]struct{})
	return true
}

// Remove deletes the client and its subscriptions. It reports whether the
// client was present, so callers can run disconnect side effects exactly once.
func (r *Registry) Remove(client *Client) bool {
	if client == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[client]; !ok {
		return false
	}
	delete(r.clients, client)
	return true
}

// Subscribe adds a topic to the client's set. Unknown clients are ignored:
// a subscription racing a disconnect is not an error.
func (r *Registry) Subscribe(client *Client, topic Topic) {
	if client == nil || topic == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	topics, ok := r.clients[client]
	if !ok {
		return
	}
	topics[topic] = struct{}{}
}

// Unsubscribe removes a topic from the client's set if present.
func (r *Registry) Unsubscribe(client *Client, topic Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics, ok := r.clients[client]
	if !ok {
		return
	}
	delete(topics, topic)
}

// Subscribers returns the clients currently subscribed to the topic.
func (r *Registry) Subscribers(topic Topic) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subscribers := make([]*Client, 0, len(r.clients))
	for client, topics := range r.clients {
		if _, ok := topics[topic]; ok {
			subscribers = append(subscribers, client)
		}
	}
	return subscribers
}

// All returns every connected client.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Size returns the number of connected clients.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Subscribed reports whether the client is subscribed to the topic.
func (r *Registry) Subscribed(client *Client, topic Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics, ok := r.clients[client]
	if !ok {
		return false
	}
	_, ok = topics[topic]
	return ok
}
