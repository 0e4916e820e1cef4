package slicing

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/internal/policy"
	"github.com/signalsfoundry/scope-scheduler/model"
)

type fakeRecorder struct {
	mu        sync.Mutex
	refreshes int
	budgets   map[int]int
}

func (f *fakeRecorder) IncSliceRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
}

func (f *fakeRecorder) SetSliceBudget(tenant, prbs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.budgets == nil {
		f.budgets = make(map[int]int)
	}
	f.budgets[tenant] = prbs
}

var cell25 = core.Cell{NofPRB: 25}

func TestRefreshComputesBudgets(t *testing.T) {
	feed := policy.NewStaticFeed()
	feed.SetMasks(0, model.Downlink, policy.RangeMask(0, 5))
	feed.SetMasks(1, model.Downlink, policy.RangeMask(6, 12))
	feed.SetMasks(1, model.Uplink, policy.RangeMask(6, 12))
	feed.SetPolicy(0, model.PolicyWaterfilling)
	feed.SetPolicy(1, model.PolicyProportional)
	rec := &fakeRecorder{}

	reg := NewRegistry(cell25, feed, WithMetricsRecorder(rec))
	snap := reg.Refresh(context.Background(), time.Unix(0, 0))

	t0, _ := snap.Tenant(0)
	if t0.PRBs != 12 || t0.Policy != model.PolicyWaterfilling {
		t.Fatalf("tenant 0 = %+v, want 12 PRB waterfilling", t0)
	}
	// Tenant 1 holds the short last group.
	t1, _ := snap.Tenant(1)
	if t1.PRBs != 13 || t1.ULMask != policy.RangeMask(6, 12) {
		t.Fatalf("tenant 1 = %+v, want 13 PRB", t1)
	}
	t2, _ := snap.Tenant(2)
	if t2.Active() || t2.Policy != model.PolicyRoundRobin {
		t.Fatalf("tenant without feed data must be inactive round robin, got %+v", t2)
	}
	if got := len(snap.ActiveTenants()); got != 2 {
		t.Fatalf("active tenants = %d, want 2", got)
	}
	if rec.refreshes != 1 || rec.budgets[1] != 13 {
		t.Fatalf("recorder = %+v", rec)
	}
	for _, tn := range snap.Tenants {
		if tn.PRBs > cell25.NofPRB {
			t.Fatalf("tenant %d budget %d exceeds capacity", tn.ID, tn.PRBs)
		}
	}
}

func TestRefreshTruncatesInactiveGroups(t *testing.T) {
	feed := policy.NewStaticFeed()
	feed.SetMasks(0, model.Downlink, policy.RangeMask(10, 24))
	reg := NewRegistry(core.Cell{NofPRB: 6}, feed)
	snap := reg.Refresh(context.Background(), time.Now())
	if snap.Tenants[0].DLMask != 0 || snap.Tenants[0].PRBs != 0 {
		t.Fatalf("groups beyond a 6 PRB carrier must be dropped, got %+v", snap.Tenants[0])
	}
}

func TestVersionRotationFallsBackToFirstVersion(t *testing.T) {
	feed := policy.NewStaticFeed()
	v0, v1 := policy.RangeMask(0, 0), policy.RangeMask(0, 1)
	feed.SetMasks(0, model.Downlink, v0, v1)
	reg := NewRegistry(cell25, feed)
	ctx := context.Background()

	want := []model.RBGMask{v0, v1, v0, v0}
	for i, w := range want {
		snap := reg.Refresh(ctx, time.Now())
		if snap.Version != i {
			t.Fatalf("refresh %d used version %d", i, snap.Version)
		}
		if got := snap.Tenants[0].DLMask; got != w {
			t.Fatalf("refresh %d mask = %b, want %b", i, got, w)
		}
	}
}

func TestVersionIndexWraps(t *testing.T) {
	reg := NewRegistry(cell25, policy.NewStaticFeed())
	var last *Snapshot
	for range policy.Versions + 1 {
		last = reg.Refresh(context.Background(), time.Now())
	}
	if last.Version != 0 {
		t.Fatalf("version after %d refreshes = %d, want 0", policy.Versions+1, last.Version)
	}
}

func TestMalformedMaskResetsVersion(t *testing.T) {
	root := t.TempDir()
	path := policy.MaskPath(root, 0, model.Downlink)
	if err := policy.WriteMasks(root, 0, model.Downlink, policy.RangeMask(0, 2)); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("101\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reg := NewRegistry(cell25, policy.NewFileFeed(root))
	ctx := context.Background()

	first := reg.Refresh(ctx, time.Now())
	if first.Tenants[0].PRBs != 6 {
		t.Fatalf("version 0 budget = %d, want 6", first.Tenants[0].PRBs)
	}
	second := reg.Refresh(ctx, time.Now())
	if second.Version != 1 || second.Tenants[0].DLMask != 0 {
		t.Fatalf("malformed version must read as empty, got %+v", second.Tenants[0])
	}
	third := reg.Refresh(ctx, time.Now())
	if third.Version != 0 {
		t.Fatalf("version after malformed read = %d, want 0", third.Version)
	}
}

func TestMaybeRefreshCadence(t *testing.T) {
	reg := NewRegistry(cell25, policy.NewStaticFeed(), WithRefreshInterval(250*time.Millisecond))
	ctx := context.Background()
	start := time.Unix(100, 0)

	if !reg.MaybeRefresh(ctx, start) {
		t.Fatalf("first call must refresh")
	}
	if reg.MaybeRefresh(ctx, start.Add(100*time.Millisecond)) {
		t.Fatalf("refreshed before the cadence elapsed")
	}
	if !reg.MaybeRefresh(ctx, start.Add(250*time.Millisecond)) {
		t.Fatalf("cadence elapsed without refresh")
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	feed := policy.NewStaticFeed()
	feed.SetMasks(0, model.Downlink, policy.RangeMask(0, 3))
	reg := NewRegistry(cell25, feed)
	old := reg.Refresh(context.Background(), time.Now())

	working := old.Masks(model.Downlink)
	working[0] = working[0].Clear(0)
	if !old.Tenants[0].DLMask.Test(0) {
		t.Fatalf("working copy aliased the snapshot")
	}

	feed.SetMasks(0, model.Downlink, 0)
	reg.Refresh(context.Background(), time.Now())
	if old.Tenants[0].PRBs != 8 {
		t.Fatalf("published snapshot mutated by a later refresh")
	}
}

func TestConcurrentReadersDuringRefresh(t *testing.T) {
	feed := policy.NewStaticFeed()
	feed.SetMasks(0, model.Downlink, policy.RangeMask(0, 3))
	reg := NewRegistry(cell25, feed)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := reg.Snapshot()
				if p := snap.Tenants[0].PRBs; p != 0 && p != 8 {
					t.Errorf("torn snapshot budget %d", p)
					return
				}
			}
		}()
	}
	for range 50 {
		reg.Refresh(context.Background(), time.Now())
	}
	close(stop)
	wg.Wait()
}
