// Package context aggregates text fragments from independently registered
// providers into one length-bounded context string for LLM inference.
package context

import (
	"context"
)

// Provider produces a context fragment on demand. Implementations may block
// on IO; the manager bounds every invocation with a per-provider timeout.
type Provider interface {
	Fragment(ctx context.Context, tags []string) (string, error)
}

// ProviderFunc adapts a plain function to the Provider interface, so
// synchronous providers and IO-bound ones are invoked uniformly.
type ProviderFunc func(ctx context.Context, tags []string) (string, error)

// Fragment implements Provider.
func (f ProviderFunc) Fragment(ctx context.Context, tags []string) (string, error) {
	return f(ctx, tags)
}

// StaticProvider returns a provider that always yields the same fragment.
func StaticProvider(fragment string) Provider {
	return ProviderFunc(func(context.Context, []string) (string, error) {
		return fragment, nil
	})
}

// DefaultPriority is assigned to registrations without an explicit priority.
// Lower values take precedence at aggregation time.
const DefaultPriority = 100

// Registration describes a named provider entry in the manager's registry.
type Registration struct {
	Name     string
	Priority int
	Tags     []string
	Enabled  bool
}

// RegisterOption configures a provider registration.
type RegisterOption func(*registration)

// WithPriority sets the registration priority. Lower value wins.
func WithPriority(priority int) RegisterOption {
	return func(r *registration) {
		r.priority = priority
	}
}

// WithTags sets the registration tag set used for selective inclusion.
func WithTags(tags ...string) RegisterOption {
	return func(r *registration) {
		r.tags = make(map[string]struct{}, len(tags))
		for _, tag := range tags {
			r.tags[tag] = struct{}{}
		}
	}
}

// WithDisabled registers the provider in a disabled state.
func WithDisabled() RegisterOption {
	return func(r *registration) {
		r.enabled = false
	}
}

type registration struct {
	name     string
	provider Provider
	priority int
	tags     map[string]struct{}
	enabled  bool
}

// matches reports whether the registration's tag set intersects the
// requested tags. An empty request selects every registration.
func (r *registration) matches(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, tag := range tags {
		if _, ok := r.tags[tag]; ok {
			return true
		}
	}
	return false
}

func (r *registration) tagList() []string {
	tags := make([]string, 0, len(r.tags))
	for tag := range r.tags {
		tags = append(tags, tag)
	}
	return tags
}
