package informer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
)

type fakeListWatcher struct {
	mu    sync.Mutex
	items []metav1.Object
	rv    string
	watch *watch.FakeWatcher
}

func newFakeListWatcher(items []metav1.Object, rv string) *fakeListWatcher {
	return &fakeListWatcher{items: items, rv: rv, watch: watch.NewFake()}
}

func (f *fakeListWatcher) List(ctx context.Context) ([]metav1.Object, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items, f.rv, nil
}

func (f *fakeListWatcher) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return f.watch, nil
}

func obj(name, rv string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{Object: map[string]interface{}{}}
	u.SetName(name)
	u.SetResourceVersion(rv)
	return u
}

func TestInformerFullResyncPopulatesCache(t *testing.T) {
	lw := newFakeListWatcher([]metav1.Object{obj("a", "1"), obj("b", "1")}, "1")
	inf := New("thing", lw)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inf.Start(ctx)
	defer inf.Stop()

	require.Eventually(t, inf.HasSynced, time.Second, 5*time.Millisecond)

	_, ok := inf.Get("a")
	assert.True(t, ok)
	assert.Len(t, inf.List(), 2)
}

func TestInformerAppliesWatchEvents(t *testing.T) {
	lw := newFakeListWatcher([]metav1.Object{obj("a", "1")}, "1")
	inf := New("thing", lw)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inf.Start(ctx)
	defer inf.Stop()

	require.Eventually(t, inf.HasSynced, time.Second, 5*time.Millisecond)

	lw.watch.Add(obj("b", "2"))
	require.Eventually(t, func() bool {
		_, ok := inf.Get("b")
		return ok
	}, time.Second, 5*time.Millisecond)

	lw.watch.Delete(obj("a", "3"))
	require.Eventually(t, func() bool {
		_, ok := inf.Get("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestInformerPeriodicResyncWhenWatchDisabled(t *testing.T) {
	lw := newFakeListWatcher([]metav1.Object{obj("a", "1")}, "1")
	inf := New("thing", lw, WithWatchDisabled(), WithResyncPeriod(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inf.Start(ctx)
	defer inf.Stop()

	require.Eventually(t, inf.HasSynced, time.Second, 5*time.Millisecond)
}
