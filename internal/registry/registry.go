// Package registry keeps the catalog of routable model ids. It polls every
// backend's model listing, derives profile ("virtual") ids, and publishes
// the result as an immutable snapshot that readers load without locking.
package registry

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/howard-nolan/modelproxy/internal/config"
	"github.com/howard-nolan/modelproxy/internal/metrics"
)

const (
	DefaultTTL            = 60 * time.Second
	DefaultRefreshTimeout = 10 * time.Second
)

// Entry is one routable model id.
type Entry struct {
	ID       string
	Server   string
	Endpoint string // the server's first endpoint
	APIKey   string // empty unless the server uses bearer auth
	Virtual  bool
	Base     string // model name the backend knows; equals ID for base entries
	Suffix   string // profile suffix for virtual entries
}

// Snapshot is an immutable view of the catalog.
type Snapshot struct {
	entries     map[string]Entry
	ids         []string
	refreshedAt time.Time
}

// Lookup returns the entry for id.
func (s *Snapshot) Lookup(id string) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// IDs returns every id in sorted order. Callers must not modify the slice.
func (s *Snapshot) IDs() []string {
	return s.ids
}

// Len is the number of routable ids.
func (s *Snapshot) Len() int {
	return len(s.ids)
}

// RefreshedAt is when the snapshot was built; zero for the initial empty one.
func (s *Snapshot) RefreshedAt() time.Time {
	return s.refreshedAt
}

// Lister fetches the model ids a backend serves.
type Lister interface {
	ListModels(ctx context.Context, endpoint, apiKey string) ([]string, error)
}

// Registry is the TTL-gated model catalog.
type Registry struct {
	runtime        *config.Runtime
	lister         Lister
	ttl            time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger
	metrics        *metrics.Metrics

	snapshot atomic.Pointer[Snapshot]
	inflight singleflight.Group
}

// Option customises a Registry.
type Option func(*Registry)

// WithTTL sets how long a snapshot is served before a refresh is attempted.
func WithTTL(d time.Duration) Option { return func(r *Registry) { r.ttl = d } }

// WithRefreshTimeout bounds the parallel fetch phase of one refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(r *Registry) { r.refreshTimeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// New creates a Registry holding an empty snapshot. Nothing is fetched until
// the first EnsureFresh, Lookup or Refresh call.
func New(rt *config.Runtime, lister Lister, opts ...Option) *Registry {
	r := &Registry{
		runtime:        rt,
		lister:         lister,
		ttl:            DefaultTTL,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snapshot.Store(&Snapshot{entries: map[string]Entry{}})
	return r
}

// Snapshot returns the current snapshot without triggering a refresh.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// EnsureFresh returns the current snapshot when it is younger than the TTL,
// and refreshes otherwise.
func (r *Registry) EnsureFresh(ctx context.Context) *Snapshot {
	snap := r.snapshot.Load()
	if !snap.refreshedAt.IsZero() && r.now().Before(snap.refreshedAt.Add(r.ttl)) {
		return snap
	}
	return r.Refresh(ctx)
}

// Lookup refreshes the catalog if it is stale and looks id up.
func (r *Registry) Lookup(ctx context.Context, id string) (Entry, bool) {
	return r.EnsureFresh(ctx).Lookup(id)
}

// Models refreshes the catalog if it is stale and returns the sorted ids.
func (r *Registry) Models(ctx context.Context) []string {
	return r.EnsureFresh(ctx).IDs()
}

// Refresh rebuilds the catalog now. Concurrent callers share a single
// in-flight refresh. A caller whose ctx ends first gets the snapshot that
// was current before the refresh; the refresh itself keeps running.
func (r *Registry) Refresh(ctx context.Context) *Snapshot {
	// Detached from the first caller so its cancellation does not abort a
	// refresh other callers are waiting on.
	return r.share(ctx, context.WithoutCancel(ctx))
}

// refreshBound is Refresh for the scheduler: cancelling ctx also aborts the
// fetches, and an aborted refresh publishes nothing.
func (r *Registry) refreshBound(ctx context.Context) *Snapshot {
	return r.share(ctx, ctx)
}

// share joins or starts the in-flight refresh, running it under run and
// waiting for it no longer than wait allows.
func (r *Registry) share(wait, run context.Context) *Snapshot {
	ch := r.inflight.DoChan("refresh", func() (any, error) {
		return r.refresh(run), nil
	})

	select {
	case res := <-ch:
		return res.Val.(*Snapshot)
	case <-wait.Done():
		return r.snapshot.Load()
	}
}

type fetchResult struct {
	ids []string
	ok  bool
}

func (r *Registry) refresh(parent context.Context) *Snapshot {
	ctx, cancel := context.WithTimeout(parent, r.refreshTimeout)
	defer cancel()

	servers := r.runtime.Servers()
	results := make([]fetchResult, len(servers))

	// Each goroutine only reports through results, so one failing server
	// never cancels the others.
	var g errgroup.Group
	for i, srv := range servers {
		g.Go(func() error {
			ids, err := r.lister.ListModels(ctx, srv.FirstEndpoint(), srv.BearerKey())
			if err != nil {
				r.logger.Warn("model discovery failed",
					zap.String("server", srv.Name),
					zap.String("endpoint", srv.FirstEndpoint()),
					zap.Error(err),
				)
				r.metrics.DiscoveryFailed(srv.Name)
				return nil
			}
			results[i] = fetchResult{ids: ids, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	// Cancelled from outside, as opposed to hitting the refresh timeout:
	// the results are incomplete and are dropped.
	if parent.Err() != nil {
		r.logger.Info("model registry refresh abandoned", zap.Error(parent.Err()))
		return r.snapshot.Load()
	}

	partial := false
	entries := make(map[string]Entry)
	for i, srv := range servers {
		if !results[i].ok {
			partial = true
			r.metrics.SetModels(srv.Name, 0)
			continue
		}
		n := register(entries, srv, results[i].ids)
		r.metrics.SetModels(srv.Name, n)
		r.logger.Debug("models discovered",
			zap.String("server", srv.Name),
			zap.Int("models", n),
		)
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	snap := &Snapshot{entries: entries, ids: ids, refreshedAt: r.now()}
	r.snapshot.Store(snap)
	r.metrics.RefreshDone(partial)
	r.logger.Info("model registry refreshed",
		zap.Int("models", len(ids)),
		zap.Bool("partial", partial),
	)
	return snap
}

// register adds the base and virtual entries for one server's discovered
// ids and returns how many ids it wrote. Servers are registered in name
// order, ids in sorted order, and a base id before its virtual ids, so a
// collision always resolves the same way. Within one server, a virtual id
// that two bases can produce ("m" + "fast-a", "m-fast" + "a") keeps the
// longer suffix.
func register(entries map[string]Entry, srv *config.Server, discovered []string) int {
	ids := append([]string(nil), discovered...)
	sort.Strings(ids)

	suffixes := append([]string(nil), srv.Suffixes()...)
	sort.Strings(suffixes)

	endpoint := srv.FirstEndpoint()
	key := srv.BearerKey()

	n := 0
	for _, id := range ids {
		if !srv.Allows(id) {
			continue
		}
		if !srv.HideBaseModels {
			entries[id] = Entry{ID: id, Server: srv.Name, Endpoint: endpoint, APIKey: key, Base: id}
			n++
		}
		for _, suffix := range suffixes {
			vid := id + "-" + suffix
			if prev, ok := entries[vid]; ok && prev.Virtual && prev.Server == srv.Name && len(prev.Suffix) > len(suffix) {
				continue
			}
			entries[vid] = Entry{
				ID:       vid,
				Server:   srv.Name,
				Endpoint: endpoint,
				APIKey:   key,
				Virtual:  true,
				Base:     id,
				Suffix:   suffix,
			}
			n++
		}
	}
	return n
}
