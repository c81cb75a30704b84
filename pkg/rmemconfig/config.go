// Package rmemconfig parses the engine's process-wide tuning knobs out of
// the environment, the way the rest of this codebase's services do.
package rmemconfig

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/e2b-dev/infra/packages/rmem/pkg/rmem"
)

// Config is the environment-driven subset of rmem.EngineConfig. LocalMemory
// has no default: its absence means the engine should not run at all, and
// callers fall back to the system allocator (see ErrEngineDisabled).
type Config struct {
	// LocalMemoryBytes bounds how much DRAM the engine may keep
	// resident. Required; an unset or zero value disables the engine.
	LocalMemoryBytes int64 `env:"LOCAL_MEMORY"`

	// EvictionThreshold is the fraction of LocalMemoryBytes that
	// triggers eviction.
	EvictionThreshold float64 `env:"EVICTION_THRESHOLD" envDefault:"0.95"`

	// Handlers is how many dedicated fault-handling threads to run.
	Handlers int `env:"RMEM_HANDLERS" envDefault:"1"`

	// Policy selects the eviction replacement strategy: none,
	// second_chance, or lru.
	Policy string `env:"RMEM_EVICTION_POLICY" envDefault:"second_chance"`

	// BackendAddr is the loopback backend's dial target. Empty selects
	// the in-process LocalBackend instead.
	BackendAddr string `env:"RMEM_BACKEND_ADDR"`
}

// Parse reads Config from the environment. It returns rmem's
// ErrEngineDisabled, unwrapped, when LOCAL_MEMORY is unset or
// zero — the documented signal that the runtime should not intercept
// faults at all this run.
func Parse() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{})
	if err != nil {
		return Config{}, fmt.Errorf("parse rmem config: %w", err)
	}

	if cfg.LocalMemoryBytes <= 0 {
		return Config{}, rmem.ErrEngineDisabled
	}

	return cfg, nil
}

// ReplacementPolicy maps the config's string policy name to
// rmem.ReplacementPolicy, defaulting to ReplacementSecondChance for an
// unrecognized or empty value.
func (c Config) ReplacementPolicy() rmem.ReplacementPolicy {
	switch c.Policy {
	case "none":
		return rmem.ReplacementNone
	case "lru":
		return rmem.ReplacementLRU
	default:
		return rmem.ReplacementSecondChance
	}
}
