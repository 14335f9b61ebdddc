// Package informer is a hand-rolled list-then-watch cache for a single
// namespaced resource kind, used by the cluster-pod and cluster-cr
// providers in place of client-go's SharedInformerFactory. It exposes the
// list/watch/resync/backoff semantics explicitly rather than hiding them
// behind a generated informer, mirroring the control loop of a threading
// based watch worker ported to goroutines and a stop channel.
package informer

import (
	"context"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"
)

// EventType mirrors the watch.EventType values an Informer reacts to.
type EventType = watch.EventType

// ListWatcher is implemented by a provider-specific client capable of
// listing and watching one resource kind. Object must satisfy
// metav1.Object so the cache can key by name and track resourceVersion.
type ListWatcher interface {
	// List returns every object of the kind plus the list's resourceVersion.
	List(ctx context.Context) (items []metav1.Object, resourceVersion string, err error)
	// Watch streams change events starting after resourceVersion. The
	// returned channel is closed when the watch ends (including on error);
	// callers distinguish a clean stop from an error by checking ctx.Err()
	// and the sentinel returned by the informer's own accounting.
	Watch(ctx context.Context, resourceVersion string) (watch.Interface, error)
}

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Informer maintains an in-memory cache of one resource kind, refreshed by
// a background goroutine that lists once and then watches for changes,
// falling back to a plain resync loop when watching is disabled.
type Informer struct {
	name          string
	lw            ListWatcher
	resyncPeriod  time.Duration
	enableWatch   bool

	mu              sync.RWMutex
	cache           map[string]metav1.Object
	resourceVersion string
	hasSynced       bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures an Informer at construction time.
type Option func(*Informer)

// WithResyncPeriod overrides the default 5-minute degraded-mode resync
// interval and the post-sync poll interval when watching is disabled.
func WithResyncPeriod(d time.Duration) Option {
	return func(i *Informer) { i.resyncPeriod = d }
}

// WithWatchDisabled runs the informer in periodic full-resync mode only,
// for backends whose client doesn't support a watch verb.
func WithWatchDisabled() Option {
	return func(i *Informer) { i.enableWatch = false }
}

// New constructs an Informer. Call Start to begin populating the cache.
func New(name string, lw ListWatcher, opts ...Option) *Informer {
	i := &Informer{
		name:         name,
		lw:           lw,
		resyncPeriod: 5 * time.Minute,
		enableWatch:  true,
		cache:        make(map[string]metav1.Object),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// HasSynced reports whether an initial list has completed.
func (i *Informer) HasSynced() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.hasSynced
}

// Get returns the cached object by name, if present.
func (i *Informer) Get(name string) (metav1.Object, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	obj, ok := i.cache[name]
	return obj, ok
}

// List returns a snapshot of every cached object.
func (i *Informer) List() []metav1.Object {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]metav1.Object, 0, len(i.cache))
	for _, obj := range i.cache {
		out = append(out, obj)
	}
	return out
}

// Start launches the background sync loop. Calls are not deduplicated: each
// call starts another loop.
func (i *Informer) Start(ctx context.Context) {
	go i.run(ctx)
}

// Stop signals the background loop to exit and blocks until it does.
func (i *Informer) Stop() {
	close(i.stopCh)
	<-i.doneCh
}

func (i *Informer) run(ctx context.Context) {
	defer close(i.doneCh)
	backoff := minBackoff
	for {
		select {
		case <-i.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !i.HasSynced() {
			if err := i.fullResync(ctx); err != nil {
				klog.FromContext(ctx).Error(err, "informer full resync failed", "kind", i.name)
				if i.sleep(backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = minBackoff
		}

		if !i.enableWatch {
			if i.sleep(i.resyncPeriod) {
				return
			}
			i.setSynced(false)
			continue
		}

		if err := i.runWatch(ctx); err != nil {
			if apierrors.IsGone(err) {
				// resourceVersion too old: force a fresh list next loop.
				i.mu.Lock()
				i.resourceVersion = ""
				i.hasSynced = false
				i.mu.Unlock()
				continue
			}
			klog.FromContext(ctx).Error(err, "informer watch failed", "kind", i.name)
			i.setSynced(false)
			if i.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// sleep blocks until d elapses or the informer is stopped, returning true
// in the latter case so callers can exit immediately.
func (i *Informer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-i.stopCh:
		return true
	case <-t.C:
		return false
	}
}

func (i *Informer) setSynced(v bool) {
	i.mu.Lock()
	i.hasSynced = v
	i.mu.Unlock()
}

func (i *Informer) fullResync(ctx context.Context) error {
	items, rv, err := i.lw.List(ctx)
	if err != nil {
		return err
	}
	newCache := make(map[string]metav1.Object, len(items))
	for _, obj := range items {
		newCache[obj.GetName()] = obj
	}

	i.mu.Lock()
	i.cache = newCache
	if rv != "" {
		i.resourceVersion = rv
	}
	i.hasSynced = true
	i.mu.Unlock()
	return nil
}

func (i *Informer) runWatch(ctx context.Context) error {
	i.mu.RLock()
	rv := i.resourceVersion
	i.mu.RUnlock()

	w, err := i.lw.Watch(ctx, rv)
	if err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-i.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case event, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			if event.Type == watch.Error {
				return apierrors.FromObject(event.Object)
			}
			i.handleEvent(event)
		}
	}
}

func (i *Informer) handleEvent(event watch.Event) {
	obj, ok := event.Object.(metav1.Object)
	if !ok {
		return
	}
	name := obj.GetName()
	if name == "" {
		return
	}

	i.mu.Lock()
	if event.Type == watch.Deleted {
		delete(i.cache, name)
	} else {
		i.cache[name] = obj
	}
	if rv := obj.GetResourceVersion(); rv != "" {
		i.resourceVersion = rv
	}
	i.mu.Unlock()
}
