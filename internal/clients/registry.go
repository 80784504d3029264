// Package clients tracks which viewers are watching which channel. A viewer
// holds a lease that every poll refreshes; leases idle longer than the
// inactivity timeout are swept and reported as departures.
package clients

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"hls-broadcaster/internal/platform/metrics"
)

// DefaultTimeout is the default inactivity timeout of a lease.
const DefaultTimeout = 15 * time.Second

// Lease is one viewer's claim on a channel.
type Lease struct {
	ChannelID string
	Token     string
	LastSeen  time.Time
}

// LeaveFunc is told about every departed viewer.
type LeaveFunc func(channelID, token string)

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLeave sets the departure callback.
func WithLeave(fn LeaveFunc) Option {
	return func(r *Registry) { r.onLeave = fn }
}

// Registry is a concurrency-safe lease table.
type Registry struct {
	mu      sync.Mutex
	leases  *cache.Cache
	timeout time.Duration
	now     func() time.Time
	onLeave LeaveFunc
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New returns a Registry. m may be nil.
func New(timeout time.Duration, m *metrics.Metrics, log *slog.Logger, opts ...Option) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Registry{
		// Expiry is driven by Sweep so departures are never lost to the
		// cache's own janitor.
		leases:  cache.New(cache.NoExpiration, 0),
		timeout: timeout,
		now:     time.Now,
		metrics: m,
		log:     log.With(slog.String("component", "clients")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLeave replaces the departure callback.
func (r *Registry) SetLeave(fn LeaveFunc) {
	r.mu.Lock()
	r.onLeave = fn
	r.mu.Unlock()
}

func key(channelID, token string) string {
	return channelID + "\x00" + token
}

// Touch creates or refreshes the lease of token on channelID. It reports
// whether the lease is new, i.e. the viewer just joined.
func (r *Registry) Touch(channelID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(channelID, token)
	if v, ok := r.leases.Get(k); ok {
		v.(*Lease).LastSeen = r.now()
		return false
	}
	r.leases.Set(k, &Lease{ChannelID: channelID, Token: token, LastSeen: r.now()}, cache.NoExpiration)
	r.metrics.SetClientLeases(r.leases.ItemCount())
	return true
}

// Refresh extends an existing lease. It never creates one and reports
// whether a lease was found.
func (r *Registry) Refresh(channelID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.leases.Get(key(channelID, token))
	if !ok {
		return false
	}
	v.(*Lease).LastSeen = r.now()
	return true
}

// Sweep removes leases idle longer than the timeout and reports each
// departure to the leave callback. It returns the departed leases.
func (r *Registry) Sweep() []Lease {
	r.mu.Lock()
	cutoff := r.now().Add(-r.timeout)
	var gone []Lease
	for k, item := range r.leases.Items() {
		l := item.Object.(*Lease)
		if l.LastSeen.Before(cutoff) {
			gone = append(gone, *l)
			r.leases.Delete(k)
		}
	}
	onLeave := r.onLeave
	r.metrics.SetClientLeases(r.leases.ItemCount())
	r.mu.Unlock()

	for _, l := range gone {
		r.log.Debug("client left", slog.String("channel_id", l.ChannelID), slog.String("client", l.Token))
		if onLeave != nil {
			onLeave(l.ChannelID, l.Token)
		}
	}
	return gone
}

// Forget drops every lease of a channel without reporting departures.
func (r *Registry) Forget(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, item := range r.leases.Items() {
		if item.Object.(*Lease).ChannelID == channelID {
			r.leases.Delete(k)
		}
	}
	r.metrics.SetClientLeases(r.leases.ItemCount())
}

// Count returns the number of live leases on a channel.
func (r *Registry) Count(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, item := range r.leases.Items() {
		if item.Object.(*Lease).ChannelID == channelID {
			n++
		}
	}
	return n
}

// Len returns the number of live leases.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leases.ItemCount()
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
