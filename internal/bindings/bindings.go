// Package bindings defines the bound API surface injected into code
// sandboxes: a flat registry of named, grouped async operations. The
// registry is produced elsewhere (the tool layer decides which operations
// exist); this package only defines the contract and a reference provider.
package bindings

import "context"

// Callable is a single bound operation. Implementations may block on I/O;
// they must honor ctx cancellation.
type Callable func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Registry maps group name -> method name -> callable. A sandbox exposes
// each group as an object whose properties are the methods.
type Registry map[string]map[string]Callable

// Count returns the total number of bound methods across all groups.
// A zero count indicates a misconfigured binding set.
func (r Registry) Count() int {
	n := 0
	for _, methods := range r {
		n += len(methods)
	}
	return n
}

// Merge combines registries; later groups win on method-name collision.
func Merge(regs ...Registry) Registry {
	out := Registry{}
	for _, r := range regs {
		for group, methods := range r {
			if out[group] == nil {
				out[group] = map[string]Callable{}
			}
			for name, fn := range methods {
				out[group][name] = fn
			}
		}
	}
	return out
}
