package broadcast

import (
	"sync"
	"testing"
)

func newTestClient() *Client {
	return newClient(stubConn{})
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	client := newTestClient()

	if !reg.Add(client) {
		t.Fatal("expected first add to register the client")
	}
	if reg.Add(client) {
		t.Fatal("expected duplicate add to be a no-op")
	}
	if reg.Size() != 1 {
		t.Fatalf("expected 1 client, got %d", reg.Size())
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	client := newTestClient()
	reg.Add(client)
	reg.Subscribe(client, TopicCluster)

	if !reg.Remove(client) {
		t.Fatal("expected first remove to report presence")
	}
	if reg.Remove(client) {
		t.Fatal("expected second remove to be a no-op")
	}
	if len(reg.Subscribers(TopicCluster)) != 0 {
		t.Fatal("expected subscriptions to die with the client")
	}
}

func TestRegistrySubscribeUnknownClientIsSilent(t *testing.T) {
	reg := NewRegistry()
	client := newTestClient()

	// Subscription racing a disconnect must not surface as an error.
	reg.Subscribe(client, TopicInfrastructure)

	if reg.Size() != 0 {
		t.Fatal("expected unknown client to stay unregistered")
	}
	if len(reg.Subscribers(TopicInfrastructure)) != 0 {
		t.Fatal("expected no subscribers")
	}
}

func TestRegistrySubscribersFiltersByTopic(t *testing.T) {
	reg := NewRegistry()
	a, b, c := newTestClient(), newTestClient(), newTestClient()
	reg.Add(a)
	reg.Add(b)
	reg.Add(c)

	reg.Subscribe(a, TopicCluster)
	reg.Subscribe(b, TopicInfrastructure)
	reg.Subscribe(c, TopicCluster)
	reg.Subscribe(c, TopicInfrastructure)

	cluster := reg.Subscribers(TopicCluster)
	if len(cluster) != 2 {
		t.Fatalf("expected 2 cluster subscribers, got %d", len(cluster))
	}
	for _, client := range cluster {
		if client == b {
			t.Fatal("client b never subscribed to cluster")
		}
	}

	reg.Unsubscribe(c, TopicCluster)
	if len(reg.Subscribers(TopicCluster)) != 1 {
		t.Fatal("expected unsubscribe to shrink the set")
	}
}

func TestRegistryToleratesConcurrentMutation(t *testing.T) {
	reg := NewRegistry()
	clients := make([]*Client, 50)
	for i := range clients {
		clients[i] = newTestClient()
		reg.Add(clients[i])
		reg.Subscribe(clients[i], TopicCluster)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, client := range clients {
			reg.Remove(client)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			for range reg.Subscribers(TopicCluster) {
			}
		}
	}()
	wg.Wait()

	if reg.Size() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Size())
	}
}
