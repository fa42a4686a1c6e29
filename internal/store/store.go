// Package store abstracts the shared state substrate used to coordinate
// party state across server instances: a key-value store with TTL expiry
// plus a channel-addressed pub/sub mechanism.
package store

import (
	"context"
	"sync"
	"time"
)

// Store is the shared state substrate. Delivery on subscribed channels is
// at-least-once and unordered across publishers; consumers must tolerate
// duplicate and reordered messages.
type Store interface {
	// Get returns the value for key and whether it exists. Absence is not
	// an error.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value under key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Publish sends payload to every subscriber of channel.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe opens a subscription on channel. The returned subscription
	// must be closed when no longer needed.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Subscription represents an active channel subscription.
type Subscription interface {
	// Messages yields raw payloads published to the channel. The channel is
	// closed when the subscription is closed or the store shuts down.
	Messages() <-chan string
	Close()
}

// NewMemory initialises an in-memory store suitable for tests and
// single-process deployments. Fan-out drops messages for subscribers whose
// buffers are full instead of blocking the publish path.
func NewMemory(buffer int) Store {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryStore{
		values: make(map[string]memoryEntry),
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryEntry struct {
	value  string
	expiry time.Time
}

type memoryStore struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
	closed bool
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	entry, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		s.mu.Lock()
		if current, exists := s.values[key]; exists && current.expiry.Equal(entry.expiry) {
			delete(s.values, key)
		}
		s.mu.Unlock()
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.values[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Publish(ctx context.Context, channel, payload string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs[channel] {
		select {
		case sub.ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking to keep the publish path
			// responsive. Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (s *memoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		ch:      make(chan string, s.buffer),
	}
	s.mu.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*memorySubscription]struct{})
	}
	s.subs[channel][sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

func (s *memoryStore) Ping(context.Context) error {
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*memorySubscription, 0)
	for _, channelSubs := range s.subs {
		for sub := range channelSubs {
			subs = append(subs, sub)
		}
	}
	s.subs = make(map[string]map[*memorySubscription]struct{})
	s.mu.Unlock()
	for _, sub := range subs {
		sub.closeChannel()
	}
	return nil
}

type memorySubscription struct {
	once    sync.Once
	store   *memoryStore
	channel string
	ch      chan string
}

func (s *memorySubscription) Messages() <-chan string {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.store.mu.Lock()
	if subs := s.store.subs[s.channel]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.store.subs, s.channel)
		}
	}
	s.store.mu.Unlock()
	s.closeChannel()
}

func (s *memorySubscription) closeChannel() {
	s.once.Do(func() {
		close(s.ch)
	})
}
