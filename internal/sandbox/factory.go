package sandbox

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Factory constructs sandboxes and pools for a selected isolation mode.
// Mode resolution order: explicit argument, then the factory default, then
// ModeInProcess. The factory does no caching; every NewSandbox call yields
// an independent instance.
type Factory struct {
	mu          sync.RWMutex
	defaultMode Mode

	sandboxOpts Options
	poolOpts    PoolOptions
	logger      zerolog.Logger
}

// NewFactory creates a factory with the given defaults. Zero-valued
// options fields fall back to package defaults.
func NewFactory(defaultMode Mode, opts Options, poolOpts PoolOptions, logger zerolog.Logger) (*Factory, error) {
	if defaultMode == "" {
		defaultMode = ModeInProcess
	}
	if err := validateMode(defaultMode); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.CPULimit <= 0 {
		opts.CPULimit = DefaultOptions().CPULimit
	}
	if opts.MemoryLimitMB <= 0 {
		opts.MemoryLimitMB = DefaultOptions().MemoryLimitMB
	}
	if poolOpts.MaxInstances <= 0 {
		poolOpts.MaxInstances = DefaultPoolOptions().MaxInstances
	}
	if poolOpts.IdleTimeout <= 0 {
		poolOpts.IdleTimeout = DefaultPoolOptions().IdleTimeout
	}
	if poolOpts.MinInstances > poolOpts.MaxInstances {
		return nil, fmt.Errorf("invalid pool options: min_instances %d > max_instances %d",
			poolOpts.MinInstances, poolOpts.MaxInstances)
	}
	return &Factory{
		defaultMode: defaultMode,
		sandboxOpts: opts,
		poolOpts:    poolOpts,
		logger:      logger,
	}, nil
}

func validateMode(mode Mode) error {
	switch mode {
	case ModeInProcess, ModeProcess:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// DefaultMode returns the current default isolation mode.
func (f *Factory) DefaultMode() Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultMode
}

// SetDefaultMode changes the default isolation mode for subsequent
// constructions.
func (f *Factory) SetDefaultMode(mode Mode) error {
	if err := validateMode(mode); err != nil {
		return err
	}
	f.mu.Lock()
	f.defaultMode = mode
	f.mu.Unlock()
	return nil
}

func (f *Factory) resolve(mode Mode) (Mode, error) {
	if mode == "" {
		mode = f.DefaultMode()
	}
	if err := validateMode(mode); err != nil {
		return "", err
	}
	return mode, nil
}

// mergeOptions overlays non-zero override fields on the factory
// defaults. The merged result is fixed for the sandbox's lifetime.
func (f *Factory) mergeOptions(overrides ...Options) Options {
	merged := f.sandboxOpts
	for _, o := range overrides {
		if o.MemoryLimitMB > 0 {
			merged.MemoryLimitMB = o.MemoryLimitMB
		}
		if o.Timeout > 0 {
			merged.Timeout = o.Timeout
		}
		if o.CPULimit > 0 {
			merged.CPULimit = o.CPULimit
		}
	}
	return merged
}

func (f *Factory) mergePoolOptions(overrides ...PoolOptions) PoolOptions {
	merged := f.poolOpts
	for _, o := range overrides {
		if o.MinInstances > 0 {
			merged.MinInstances = o.MinInstances
		}
		if o.MaxInstances > 0 {
			merged.MaxInstances = o.MaxInstances
		}
		if o.IdleTimeout > 0 {
			merged.IdleTimeout = o.IdleTimeout
		}
	}
	return merged
}

// NewSandbox constructs one sandbox. An empty mode selects the default;
// non-zero override fields replace the factory's option defaults.
func (f *Factory) NewSandbox(mode Mode, overrides ...Options) (Sandbox, error) {
	resolved, err := f.resolve(mode)
	if err != nil {
		return nil, err
	}
	opts := f.mergeOptions(overrides...)
	switch resolved {
	case ModeProcess:
		return NewProcess(opts), nil
	default:
		return NewInProcess(opts), nil
	}
}

// NewPool constructs an uninitialized pool of sandboxes of one mode.
func (f *Factory) NewPool(mode Mode, overrides ...PoolOptions) (*Pool, error) {
	resolved, err := f.resolve(mode)
	if err != nil {
		return nil, err
	}
	poolOpts := f.mergePoolOptions(overrides...)
	if poolOpts.MinInstances > poolOpts.MaxInstances {
		return nil, fmt.Errorf("invalid pool options: min_instances %d > max_instances %d",
			poolOpts.MinInstances, poolOpts.MaxInstances)
	}
	opts := f.mergeOptions()
	ctor := func() Sandbox {
		switch resolved {
		case ModeProcess:
			return NewProcess(opts)
		default:
			return NewInProcess(opts)
		}
	}
	return NewPool(poolOpts, ctor, f.logger), nil
}
