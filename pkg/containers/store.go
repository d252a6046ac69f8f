package containers

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// entry records a stored container together with its producer and the
// insertion sequence used to keep retrieval in store order.
type entry struct {
	container Container
	source    string
	seq       uint64
}

// Store is a thread-safe typed multi-map of containers. Containers are
// keyed by their container type; retrieval returns them in insertion
// order, optionally filtered by a metadata pair and optionally removed.
//
// The store additionally tracks which modules consume which container
// types. Once every registered consumer of a type has completed, entries
// of that type are pruned so long runs do not accumulate data nobody will
// read again.
type Store struct {
	mu        sync.Mutex
	entries   map[string][]entry
	seq       uint64
	consumers map[string][]string
	completed map[string]bool
	logger    *zap.Logger
}

// NewStore creates an empty container store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries:   make(map[string][]entry),
		consumers: make(map[string][]string),
		completed: make(map[string]bool),
		logger:    logger,
	}
}

// RegisterConsumer declares that the named module will consume containers
// of the given type. Used to decide when a type's entries can be pruned.
func (s *Store) RegisterConsumer(containerType, runtimeName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[containerType] = append(s.consumers[containerType], runtimeName)
}

// StoreContainer stores a container produced by sourceModule.
func (s *Store) StoreContainer(c Container, sourceModule string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.entries[c.ContainerType()] = append(s.entries[c.ContainerType()], entry{
		container: c,
		source:    sourceModule,
		seq:       s.seq,
	})

	s.logger.Debug("container stored",
		zap.String("type", c.ContainerType()),
		zap.String("source", sourceModule))
}

// GetContainers retrieves containers of the given type in insertion order.
// When pop is true the returned containers are removed from the store.
// When both metadataKey and metadataValue are non-empty, only containers
// carrying that metadata pair are returned (and removed, when popping);
// supplying exactly one of the two is a usage error.
func (s *Store) GetContainers(requestingModule, containerType string, pop bool, metadataKey, metadataValue string) ([]Container, error) {
	if (metadataKey == "") != (metadataValue == "") {
		return nil, fmt.Errorf("%w (key=%q, value=%q)",
			pkgerrors.ErrMetadataFilter, metadataKey, metadataValue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.entries[containerType]
	matched := make([]Container, 0, len(stored))
	var kept []entry

	for _, e := range stored {
		if metadataKey != "" && e.container.Metadata()[metadataKey] != metadataValue {
			kept = append(kept, e)
			continue
		}
		matched = append(matched, e.container)
		if !pop {
			kept = append(kept, e)
		}
	}

	if pop {
		if len(kept) == 0 {
			delete(s.entries, containerType)
		} else {
			s.entries[containerType] = kept
		}
	}

	s.logger.Debug("containers retrieved",
		zap.String("type", containerType),
		zap.String("requesting", requestingModule),
		zap.Int("count", len(matched)),
		zap.Bool("pop", pop))

	return matched, nil
}

// Count returns the number of stored containers of the given type.
func (s *Store) Count(containerType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[containerType])
}

// CompleteModule notifies the store that the named module has finished its
// run. Entries of any type whose registered consumers have all completed
// are pruned.
func (s *Store) CompleteModule(runtimeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed[runtimeName] {
		return fmt.Errorf("module %q already marked complete", runtimeName)
	}
	s.completed[runtimeName] = true

	for containerType, names := range s.consumers {
		if len(names) == 0 {
			continue
		}
		done := true
		for _, name := range names {
			if !s.completed[name] {
				done = false
				break
			}
		}
		if done && len(s.entries[containerType]) > 0 {
			s.logger.Debug("pruning containers, all consumers complete",
				zap.String("type", containerType),
				zap.Int("count", len(s.entries[containerType])))
			delete(s.entries, containerType)
		}
	}

	return nil
}
