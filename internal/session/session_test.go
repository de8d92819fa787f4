package session

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage-mcp-server/internal/store"
	"mirage-mcp-server/internal/synth"
)

func TestIdentityKey(t *testing.T) {
	u, _ := url.Parse("https://acme.analytics.example.com/dashboards/ops?tab=1")
	id := IdentityFromURL(u)
	assert.Equal(t, "acme", id.Subdomain())
	assert.Equal(t, "acme/dashboards/ops", id.Key())

	id.Token = "tok"
	assert.Equal(t, "token:tok", id.Key())
	assert.True(t, Identity{}.IsZero())
}

func TestWaitersReleasedTogether(t *testing.T) {
	s := New()
	const waiters = 5

	var wg sync.WaitGroup
	got := make(chan Identity, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.WaitIdentity(context.Background())
			if err == nil {
				got <- id
			}
		}()
	}

	want := Identity{Host: "acme.example.com", Path: "/d"}
	assert.True(t, s.ResolveIdentity(want))
	assert.False(t, s.ResolveIdentity(Identity{Host: "other.example.com"}), "first resolution wins")

	wg.Wait()
	close(got)
	n := 0
	for id := range got {
		assert.Equal(t, want, id)
		n++
	}
	assert.Equal(t, waiters, n)
}

func TestWaitIdentityCancelled(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.WaitIdentity(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestResetReleasesWaiters(t *testing.T) {
	s := New()
	errc := make(chan error, 1)
	go func() {
		_, err := s.WaitIdentity(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.Reset()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrReset))
	case <-time.After(time.Second):
		t.Fatal("waiter not released by reset")
	}

	assert.True(t, s.ResolveIdentity(Identity{Host: "b.example.com"}), "identity can resolve again after reset")
	assert.Equal(t, 1, s.Generation())
}

func TestActiveDashboard(t *testing.T) {
	s := New()
	cfg := &store.Configuration{ID: "retail", DashboardIDs: []string{"d1", "d2"}}
	s.Select(cfg, map[string]*store.DashboardRecord{
		"d1": {ID: "d1", Subdomain: "acme", Path: "/dashboards/ops"},
		"d2": {Token: "tok-2"},
	})

	s.ResolveIdentity(Identity{Host: "acme.example.com", Path: "/dashboards/ops"})
	a, ok, err := s.ActiveDashboard(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", a.Dashboard.ID)
	assert.Equal(t, cfg, a.Configuration)
	assert.NotNil(t, a.Template())

	s.Reset()
	s.ResolveIdentity(Identity{Host: "x.example.com", Token: "tok-2"})
	a, ok = s.ActiveNow()
	require.True(t, ok)
	assert.Equal(t, "d2", a.Dashboard.ID)

	s.Reset()
	s.ResolveIdentity(Identity{Host: "unrelated.example.com", Path: "/"})
	_, ok, err = s.ActiveDashboard(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "unrelated pages have no active dashboard")
}

func TestDescriptorsRegisteredOnce(t *testing.T) {
	s := New()
	assert.True(t, s.Register(&QueryDescriptor{WidgetID: "w2", Title: "first"}))
	assert.False(t, s.Register(&QueryDescriptor{WidgetID: "w2", Title: "second"}))
	assert.True(t, s.Register(&QueryDescriptor{WidgetID: "w1"}))

	d, ok := s.Descriptor("w2")
	require.True(t, ok)
	assert.Equal(t, "first", d.Title)
	assert.Equal(t, "w1", s.Descriptors()[0].WidgetID)

	s.Reset()
	assert.Empty(t, s.Descriptors())
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	done := make(chan any, 2)
	for i := 0; i < 2; i++ {
		go func() {
			v, err := c.Await(ctx, "w1")
			if err == nil {
				done <- v
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	assert.True(t, c.Deliver("w1", "real"))
	assert.False(t, c.Deliver("w1", "late"))

	for i := 0; i < 2; i++ {
		select {
		case v := <-done:
			assert.Equal(t, "real", v)
		case <-time.After(time.Second):
			t.Fatal("collector waiter not released")
		}
	}

	v, ok := c.Get("w1")
	assert.True(t, ok)
	assert.Equal(t, "real", v)
	assert.Equal(t, []string{"w1"}, c.Keys())

	_, ok = c.Get("w2")
	assert.False(t, ok)
}

func TestUpdateWidgetSurvivesReset(t *testing.T) {
	s := New()
	s.Select(&store.Configuration{ID: "retail", DashboardIDs: []string{"d1"}}, map[string]*store.DashboardRecord{
		"d1": {ID: "d1", Subdomain: "acme"},
	})
	s.ResolveIdentity(Identity{Host: "acme.example.com"})
	before, ok := s.ActiveNow()
	require.True(t, ok)

	skel := &synth.Payload{Rows: []synth.Axis{{Members: []synth.Member{{Name: "Support", LevelDisplayName: "Group"}}}}}
	require.True(t, s.UpdateWidget("d1", "w1", func(w *store.WidgetState) { w.Skeleton = skel }))
	assert.False(t, s.UpdateWidget("missing", "w1", func(*store.WidgetState) {}))
	assert.Empty(t, before.Dashboard.Widgets, "earlier snapshots are untouched")

	s.Reset()
	s.ResolveIdentity(Identity{Host: "acme.example.com"})
	after, ok := s.ActiveNow()
	require.True(t, ok)
	require.Contains(t, after.Dashboard.Widgets, "w1")
	assert.Equal(t, "Support", after.Dashboard.Widgets["w1"].Skeleton.Rows[0].Members[0].Name)
}
