// Package operator hosts the transform implementations applied by the
// executor. Concrete operators are looked up by the node's operator_class
// and configured from its config map.
package operator

import (
	"context"
	"sort"
	"sync"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Operator transforms one chunk at a time. Implementations must not mutate
// the input chunk.
type Operator interface {
	Apply(ctx context.Context, chunk *core.Chunk) (*core.Chunk, error)
}

// Factory builds an operator from its node definition.
type Factory func(node *core.Node) (Operator, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a factory under a class name.
func Register(class string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[class] = factory
}

// New builds the operator for a node. An empty operator_class resolves to
// the passthrough operator; an unknown class is a configuration error.
func New(node *core.Node) (Operator, error) {
	class := node.OperatorClass
	if class == "" {
		class = ClassPassthrough
	}
	registryMu.RLock()
	factory, ok := registry[class]
	registryMu.RUnlock()
	if !ok {
		return nil, core.NewError(core.ErrConfiguration,
			"unknown operator class %q on node %s (registered: %v)",
			class, node.ID, Classes())
	}
	return factory(node)
}

// Classes returns the registered operator class names, sorted.
func Classes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
