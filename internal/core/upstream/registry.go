// Package upstream maintains the set of REST APIs the gateway may call.
package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/restql/restql/internal/core"
)

var (
	// ErrUnknownUpstream is returned when a name matches no registered target.
	ErrUnknownUpstream = errors.New("unknown upstream")
	// ErrFrozen is returned by Register after Freeze.
	ErrFrozen = errors.New("upstream registry is frozen")
	// ErrInvalidTarget is returned for malformed registrations.
	ErrInvalidTarget = errors.New("invalid upstream target")
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetryAttempts = 3
)

// Options are the optional parts of a registration. Zero values select
// defaults. A nil RetryAttempts means DefaultRetryAttempts; use NoRetries to
// disable retries.
type Options struct {
	Timeout       time.Duration
	RetryAttempts *int
	Headers       map[string]string
	MaxRPS        float64
	Burst         int
}

// Retries returns a pointer suitable for Options.RetryAttempts.
func Retries(n int) *int { return &n }

// NoRetries disables retries for a target.
var NoRetries = Retries(0)

type snapshot struct {
	targets map[string]core.Target
	order   []string
}

// Registry maps upstream names to targets. Registration happens at startup;
// after Freeze the registry is read-only and lookups take no locks.
type Registry struct {
	mu          sync.Mutex
	defaultName string
	frozen      atomic.Bool
	snap        atomic.Pointer[snapshot]
}

// NewRegistry returns an empty registry. defaultName may be empty.
func NewRegistry(defaultName string) *Registry {
	r := &Registry{defaultName: strings.TrimSpace(defaultName)}
	r.snap.Store(&snapshot{targets: map[string]core.Target{}})
	return r
}

// Register adds a target. Names are unique; the base address must be an
// absolute http or https URL.
func (r *Registry) Register(name, baseAddress string, opts Options) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTarget)
	}
	base, err := normalizeBase(baseAddress)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTarget, name, err)
	}

	target := core.Target{
		Name:          name,
		BaseURL:       base,
		Timeout:       opts.Timeout,
		RetryAttempts: DefaultRetryAttempts,
		MaxRPS:        opts.MaxRPS,
		Burst:         opts.Burst,
	}
	if target.Timeout <= 0 {
		target.Timeout = DefaultTimeout
	}
	if opts.RetryAttempts != nil {
		if *opts.RetryAttempts < 0 {
			return fmt.Errorf("%w: %s: retry attempts must not be negative", ErrInvalidTarget, name)
		}
		target.RetryAttempts = *opts.RetryAttempts
	}
	if target.MaxRPS < 0 || target.Burst < 0 {
		return fmt.Errorf("%w: %s: max_rps and burst must not be negative", ErrInvalidTarget, name)
	}
	if len(opts.Headers) > 0 {
		target.Headers = make(map[string]string, len(opts.Headers))
		for k, v := range opts.Headers {
			target.Headers[http.CanonicalHeaderKey(k)] = v
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return ErrFrozen
	}
	current := r.snap.Load()
	if _, exists := current.targets[name]; exists {
		return fmt.Errorf("%w: duplicate name %q", ErrInvalidTarget, name)
	}

	next := &snapshot{
		targets: make(map[string]core.Target, len(current.targets)+1),
		order:   append(append([]string(nil), current.order...), name),
	}
	for k, v := range current.targets {
		next.targets[k] = v
	}
	next.targets[name] = target
	r.snap.Store(next)
	return nil
}

// Freeze rejects further registrations. It fails when a configured default
// names no registered target.
func (r *Registry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.defaultName != "" {
		if _, ok := r.snap.Load().targets[r.defaultName]; !ok {
			return fmt.Errorf("%w: default %q is not registered", ErrUnknownUpstream, r.defaultName)
		}
	}
	r.frozen.Store(true)
	return nil
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool { return r.frozen.Load() }

// Default returns the configured default name, possibly empty.
func (r *Registry) Default() string { return r.defaultName }

// Resolve returns the target for name. An empty name selects the configured
// default; with no default it succeeds only if exactly one target exists.
func (r *Registry) Resolve(name string) (core.Target, error) {
	snap := r.snap.Load()
	name = strings.TrimSpace(name)

	if name == "" {
		switch {
		case r.defaultName != "":
			name = r.defaultName
		case len(snap.order) == 1:
			name = snap.order[0]
		case len(snap.order) == 0:
			return core.Target{}, fmt.Errorf("%w: no upstreams registered", ErrUnknownUpstream)
		default:
			return core.Target{}, fmt.Errorf("%w: no api named and no default configured", ErrUnknownUpstream)
		}
	}

	target, ok := snap.targets[name]
	if !ok {
		return core.Target{}, fmt.Errorf("%w: %q", ErrUnknownUpstream, name)
	}
	return target, nil
}

// Targets returns targets in registration order.
func (r *Registry) Targets() []core.Target {
	snap := r.snap.Load()
	out := make([]core.Target, 0, len(snap.order))
	for _, name := range snap.order {
		out = append(out, snap.targets[name])
	}
	return out
}

// Names returns registered names sorted alphabetically.
func (r *Registry) Names() []string {
	snap := r.snap.Load()
	names := append([]string(nil), snap.order...)
	sort.Strings(names)
	return names
}

// ResolveURL joins target's base URL and endpoint. Absolute http(s)
// endpoints are returned unchanged.
func ResolveURL(target core.Target, endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("%w: endpoint is required", ErrInvalidTarget)
	}
	lower := strings.ToLower(endpoint)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if _, err := url.Parse(endpoint); err != nil {
			return "", fmt.Errorf("%w: endpoint: %v", ErrInvalidTarget, err)
		}
		return endpoint, nil
	}
	return strings.TrimRight(target.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/"), nil
}

func normalizeBase(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base url must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url has no host: %q", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}
