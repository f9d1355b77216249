package context

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kagehana/kagehana/internal/errors"
)

// DefaultProviderTimeout bounds a single provider invocation during fan-out.
const DefaultProviderTimeout = 5 * time.Second

// AggregateRequest parameterizes one aggregation call.
type AggregateRequest struct {
	// Tags selects registrations whose tag set intersects it. Empty selects all.
	Tags []string
	// MaxLength is the rune budget of the assembled context. Must be positive.
	MaxLength int
}

// FragmentInfo describes one fragment's contribution to the result.
type FragmentInfo struct {
	Name      string
	Priority  int
	Length    int
	Truncated bool
}

// AggregateResult is the assembled context plus per-provider outcomes.
type AggregateResult struct {
	// Context is the assembled string, never longer than the requested budget.
	Context string
	// Fragments lists contributions in output order.
	Fragments []FragmentInfo
	// Failures maps provider names to the error that excluded them. Partial
	// failures never abort the aggregation.
	Failures map[string]error
}

// Manager is the pluggable context aggregator: a registry of named providers
// queried concurrently and assembled by priority under a length budget. It
// holds no persistent state of its own.
type Manager struct {
	mu              sync.RWMutex
	providers       map[string]*registration
	providerTimeout time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProviderTimeout overrides the per-provider invocation timeout.
func WithProviderTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.providerTimeout = d
		}
	}
}

// NewManager creates an empty context manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		providers:       make(map[string]*registration),
		providerTimeout: DefaultProviderTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register inserts or replaces the provider registered under name.
func (m *Manager) Register(name string, provider Provider, opts ...RegisterOption) {
	if name == "" || provider == nil {
		return
	}

	r := &registration{
		name:     name,
		provider: provider,
		priority: DefaultPriority,
		tags:     map[string]struct{}{},
		enabled:  true,
	}
	for _, opt := range opts {
		opt(r)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, replaced := m.providers[name]; replaced {
		slog.Debug("replacing context provider registration", "provider", name)
	}
	m.providers[name] = r
}

// Unregister removes the registration. No-op if absent.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.providers, name)
}

// SetEnabled toggles a registration without replacing it. Returns false if
// no provider is registered under name.
func (m *Manager) SetEnabled(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.providers[name]
	if !ok {
		return false
	}
	r.enabled = enabled
	return true
}

// Registrations returns a snapshot of the registry for inspection.
func (m *Manager) Registrations() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	regs := make([]Registration, 0, len(m.providers))
	for _, r := range m.providers {
		regs = append(regs, Registration{
			Name:     r.name,
			Priority: r.priority,
			Tags:     r.tagList(),
			Enabled:  r.enabled,
		})
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return regs
}

// fragmentOutcome carries one provider's fan-out result.
type fragmentOutcome struct {
	reg      *registration
	fragment string
	err      error
}

// Aggregate invokes all selected providers concurrently, orders the
// successful fragments by ascending priority (ties broken by name) and
// concatenates them under the rune budget. The first fragment that would
// overflow the budget is cut at the boundary and everything after it is
// dropped. Output order depends only on priority and name, never on which
// provider finished first. Provider failures and timeouts are isolated;
// the only error returned is for a non-positive budget.
func (m *Manager) Aggregate(ctx context.Context, req AggregateRequest) (*AggregateResult, error) {
	if req.MaxLength <= 0 {
		return nil, apperrors.InvalidArgument("max length must be positive")
	}

	m.mu.RLock()
	selected := make([]*registration, 0, len(m.providers))
	for _, r := range m.providers {
		if r.enabled && r.matches(req.Tags) {
			selected = append(selected, r)
		}
	}
	m.mu.RUnlock()

	outcomes := make([]fragmentOutcome, len(selected))
	var g errgroup.Group
	for i, reg := range selected {
		g.Go(func() error {
			outcomes[i] = m.invoke(ctx, reg, req.Tags)
			return nil
		})
	}
	// Providers never surface errors through the group; failures are
	// collected per outcome below.
	_ = g.Wait()

	result := &AggregateResult{Failures: map[string]error{}}

	var ok []fragmentOutcome
	for _, out := range outcomes {
		if out.err != nil {
			result.Failures[out.reg.name] = out.err
			slog.Warn("context provider excluded from aggregation",
				"provider", out.reg.name, "error", out.err)
			continue
		}
		if out.fragment == "" {
			continue
		}
		ok = append(ok, out)
	}

	sort.Slice(ok, func(i, j int) bool {
		if ok[i].reg.priority != ok[j].reg.priority {
			return ok[i].reg.priority < ok[j].reg.priority
		}
		return ok[i].reg.name < ok[j].reg.name
	})

	var sb strings.Builder
	remaining := req.MaxLength
	for _, out := range ok {
		if remaining <= 0 {
			break
		}

		runes := []rune(out.fragment)
		info := FragmentInfo{Name: out.reg.name, Priority: out.reg.priority}
		if len(runes) <= remaining {
			sb.WriteString(out.fragment)
			info.Length = len(runes)
			remaining -= len(runes)
			result.Fragments = append(result.Fragments, info)
			continue
		}

		// Cut exactly at the budget boundary and drop everything after.
		sb.WriteString(string(runes[:remaining]))
		info.Length = remaining
		info.Truncated = true
		result.Fragments = append(result.Fragments, info)
		remaining = 0
		break
	}

	result.Context = sb.String()
	return result, nil
}

// invoke runs one provider bounded by the per-provider timeout. The
// provider's body executes in its own goroutine with a buffered result
// channel, so a late completion after the deadline is simply never read.
func (m *Manager) invoke(ctx context.Context, reg *registration, tags []string) fragmentOutcome {
	providerCtx, cancel := context.WithTimeout(ctx, m.providerTimeout)
	defer cancel()

	type invocation struct {
		fragment string
		err      error
	}
	resultChan := make(chan invocation, 1)

	go func() {
		fragment, err := reg.provider.Fragment(providerCtx, tags)
		resultChan <- invocation{fragment: fragment, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return fragmentOutcome{reg: reg, err: apperrors.ProviderFailed(reg.name, res.err)}
		}
		return fragmentOutcome{reg: reg, fragment: res.fragment}
	case <-providerCtx.Done():
		if ctx.Err() != nil {
			return fragmentOutcome{reg: reg, err: apperrors.ContextCanceled(ctx.Err())}
		}
		return fragmentOutcome{reg: reg, err: apperrors.ProviderTimeout(reg.name)}
	}
}
