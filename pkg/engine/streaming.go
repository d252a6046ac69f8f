package engine

import (
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/containers"
)

// streamBus maps a container type to its streaming subscribers. Dispatch is
// synchronous, on the producer's own goroutine, in registration order;
// there is no buffering and the bus does not catch subscriber panics.
type streamBus struct {
	mu        sync.RWMutex
	callbacks map[string][]func(containers.Container)
}

func newStreamBus() *streamBus {
	return &streamBus{callbacks: make(map[string][]func(containers.Container))}
}

// Register appends a subscriber for the given container type.
func (b *streamBus) Register(containerType string, fn func(containers.Container)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks[containerType] = append(b.callbacks[containerType], fn)
}

// Stream invokes every subscriber registered for c's exact type.
func (b *streamBus) Stream(c containers.Container) {
	b.mu.RLock()
	subscribers := b.callbacks[c.ContainerType()]
	b.mu.RUnlock()

	for _, fn := range subscribers {
		fn(c)
	}
}
