package nodes

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"piper-nodes/internal/node"
	"piper-nodes/internal/provider"
	"piper-nodes/internal/runner"
)

// CostFunc prices an invocation from its inputs. It never affects control
// flow and returns 0 when the user pays the provider directly.
type CostFunc func(env node.Env, inputs node.Inputs) float64

// Definition describes one runnable node.
type Definition struct {
	Name        string   `json:"name"`
	Provider    string   `json:"provider"`
	Description string   `json:"description"`
	Credentials []string `json:"credentials"`
	// CheckInterval and MaxAttempts are the polling budget of the node's
	// provider client; zero for synchronous nodes.
	CheckInterval time.Duration `json:"checkInterval,omitempty"`
	MaxAttempts   int           `json:"maxAttempts,omitempty"`

	Run   node.Func `json:"-"`
	Costs CostFunc  `json:"-"`
}

// PollBudget is the number of Repeat signals a caller should honour before
// giving up. It leaves room for the provider client to report its own
// timeout after MaxAttempts polls.
func (d Definition) PollBudget() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts + 1
	}
	return runner.DefaultMaxAttempts
}

// RateLimit caps requests per provider account.
type RateLimit struct {
	RPS   float64
	Burst int
}

// Options carries the process-wide settings shared by every node.
type Options struct {
	// BaseURLs overrides provider endpoints, keyed by provider name
	// ("artworks", "fal", "replicate", "openrouter").
	BaseURLs   map[string]string
	HTTPClient *http.Client
	// RateLimits are keyed by provider name.
	RateLimits map[string]RateLimit
	// Now replaces time.Now in provider clients.
	Now func() time.Time
	// PollScale multiplies every node's check interval. Zero means 1.
	PollScale float64
}

// Registry maps node names to definitions.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	opts     Options
	limiters map[string]*rate.Limiter
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		defs:     make(map[string]Definition),
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
	for name, limit := range opts.RateLimits {
		if limit.RPS <= 0 {
			continue
		}
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiters[name] = rate.NewLimiter(rate.Limit(limit.RPS), burst)
	}
	return r
}

// Default returns a registry holding every built-in node.
func Default(opts Options) *Registry {
	r := NewRegistry(opts)
	for _, def := range []Definition{
		removeBackground(r),
		generateImage(r),
		klingVideo(r),
		wanVideo(r),
		askLLM(r),
	} {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.Run == nil {
		return fmt.Errorf("node definition requires a name and a run function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("node %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// All returns every definition ordered by name.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) baseURL(provider string) string {
	return r.opts.BaseURLs[provider]
}

// clientOptions builds the provider client options of a node with the given
// polling budget.
func (r *Registry) clientOptions(providerName string, checkInterval time.Duration, maxAttempts int) []provider.Option {
	scale := r.opts.PollScale
	if scale <= 0 {
		scale = 1
	}
	opts := []provider.Option{
		provider.WithCheckInterval(time.Duration(float64(checkInterval) * scale)),
		provider.WithMaxAttempts(maxAttempts),
		provider.WithHTTPClient(r.opts.HTTPClient),
		provider.WithLimiter(r.limiters[providerName]),
	}
	if r.opts.Now != nil {
		opts = append(opts, provider.WithClock(r.opts.Now))
	}
	return opts
}
