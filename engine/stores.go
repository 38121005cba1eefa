package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
)

// The shared stores below are created once per process and handed to
// every worker's bootstrap options. All of them tolerate concurrent use
// by independent workers without external locking.

// BroadcastMessage is one message on the in-memory broadcast channel.
type BroadcastMessage struct {
	Name string
	Data []byte
}

// BroadcastChannel is an in-memory pub/sub channel shared by all workers.
type BroadcastChannel struct {
	mu   sync.RWMutex
	subs map[int]chan BroadcastMessage
	next int
}

func NewBroadcastChannel() *BroadcastChannel {
	return &BroadcastChannel{subs: make(map[int]chan BroadcastMessage)}
}

// Subscribe registers a receiver. Slow receivers drop messages rather
// than block publishers.
func (b *BroadcastChannel) Subscribe() *BroadcastSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan BroadcastMessage, 64)
	b.subs[id] = ch
	return &BroadcastSubscription{channel: b, id: id, ch: ch}
}

// Publish delivers a message to every current subscriber.
func (b *BroadcastChannel) Publish(name string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		msg := BroadcastMessage{Name: name, Data: append([]byte(nil), data...)}
		select {
		case ch <- msg:
		default:
		}
	}
}

type BroadcastSubscription struct {
	channel *BroadcastChannel
	ch      chan BroadcastMessage
	id      int
	once    sync.Once
}

// Ch returns the receive channel.
func (s *BroadcastSubscription) Ch() <-chan BroadcastMessage {
	return s.ch
}

// Close unregisters the subscription.
func (s *BroadcastSubscription) Close() {
	s.once.Do(func() {
		s.channel.mu.Lock()
		delete(s.channel.subs, s.id)
		s.channel.mu.Unlock()
	})
}

// SharedBufferStore holds buffers transferable between workers.
type SharedBufferStore struct {
	mu   sync.RWMutex
	bufs map[uint64][]byte
	next uint64
}

func NewSharedBufferStore() *SharedBufferStore {
	return &SharedBufferStore{bufs: make(map[uint64][]byte)}
}

// Put stores a buffer and returns its handle.
func (s *SharedBufferStore) Put(data []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.bufs[s.next] = data
	return s.next
}

// Get returns the buffer for a handle.
func (s *SharedBufferStore) Get(id uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.bufs[id]
	return data, ok
}

// Remove drops a buffer.
func (s *SharedBufferStore) Remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bufs, id)
}

// ModuleCache is the compiled-module cache shared by every worker. Each
// worker runs its own wazero runtime; the compilation cache lets them
// reuse machine code for modules they have in common.
type ModuleCache struct {
	cache wazero.CompilationCache
}

func NewModuleCache() *ModuleCache {
	return &ModuleCache{cache: wazero.NewCompilationCache()}
}

func (c *ModuleCache) Close(ctx context.Context) error {
	return c.cache.Close(ctx)
}
