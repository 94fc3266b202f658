package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// MockPublisher records published payloads per subject. Set Err to make
// every Publish fail.
type MockPublisher struct {
	mu       sync.RWMutex
	messages map[string][][]byte
	order    []string
	err      error
}

// NewMockPublisher creates an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{messages: make(map[string][][]byte)}
}

// Publish records data under subject.
func (p *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages[subject] = append(p.messages[subject], data)
	p.order = append(p.order, subject)
	return nil
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *MockPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Messages returns a copy of the payloads published on subject.
func (p *MockPublisher) Messages(subject string) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msgs := p.messages[subject]
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out
}

// Subjects returns every subject in publish order.
func (p *MockPublisher) Subjects() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// Count returns the number of payloads published on subject.
func (p *MockPublisher) Count(subject string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.messages[subject])
}

// MockKVStore is an in-memory stand-in for a JetStream KV bucket.
type MockKVStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	revision uint64
}

// NewMockKVStore creates an empty store.
func NewMockKVStore() *MockKVStore {
	return &MockKVStore{data: make(map[string][]byte)}
}

// Put stores value under key and returns the new revision.
func (kv *MockKVStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.revision++
	kv.data[key] = append([]byte(nil), value...)
	return kv.revision, nil
}

// Delete removes key, returning jetstream.ErrKeyNotFound when absent.
func (kv *MockKVStore) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, ok := kv.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	kv.revision++
	delete(kv.data, key)
	return nil
}

// Get returns a copy of the value stored under key.
func (kv *MockKVStore) Get(key string) ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	val, ok := kv.data[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return append([]byte(nil), val...), nil
}

// Keys returns all stored keys.
func (kv *MockKVStore) Keys() []string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	return keys
}

// WaitForMessageCount waits until subject has at least count payloads.
func WaitForMessageCount(t *testing.T, p *MockPublisher, subject string, count int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.Count(subject) >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d messages on subject %s (got %d)", count, subject, p.Count(subject))
}
