package gc

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"mailstore/internal/blobstore"
	"mailstore/internal/models"
	"mailstore/internal/volume"
)

type fakeTracker struct {
	mu   sync.Mutex
	refs map[int16]map[string]bool
	err  error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{refs: map[int16]map[string]bool{}}
}

func (f *fakeTracker) add(volumeID int16, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[volumeID] == nil {
		f.refs[volumeID] = map[string]bool{}
	}
	f.refs[volumeID][path] = true
}

func (f *fakeTracker) HasReference(ctx context.Context, volumeID int16, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.refs[volumeID][path], nil
}

// stubbornBackend refuses to delete anything.
type stubbornBackend struct {
	blobstore.Backend
}

func (s stubbornBackend) Remove(ctx context.Context, rel string) error {
	return &fs.PathError{Op: "remove", Path: rel, Err: fs.ErrPermission}
}

func testVolumes(t *testing.T, types ...models.VolumeType) *volume.Registry {
	t.Helper()
	reg := volume.New(nil, nil)
	for i, vt := range types {
		if _, err := reg.Register(context.Background(), volume.Spec{ID: int16(i + 1), Type: vt, Root: t.TempDir(), Current: true}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return reg
}

func writeFile(t *testing.T, root, rel, content string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func exists(t *testing.T, root, rel string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("stat: %v", err)
	}
	return err == nil
}

func TestSweepSafety(t *testing.T) {
	reg := testVolumes(t, models.VolumePrimaryMessage)
	vol, _ := reg.Get(1)
	tracker := newFakeTracker()
	now := time.Now()
	clk := testclock.NewClock(now)
	sweeper := NewSweeper(tracker, reg, SweeperConfig{SafetyMargin: time.Hour}, clk, nil, nil)

	old := now.Add(-2 * time.Hour)
	young := now.Add(-time.Minute)
	files := []struct {
		rel   string
		mtime time.Time
		ref   bool
		kept  bool
	}{
		{rel: "0/1/msg/0/1-1.msg", mtime: old, ref: true, kept: true},
		{rel: "0/1/msg/0/2-1.msg", mtime: young, ref: false, kept: true},
		{rel: "0/1/msg/0/3-1.msg", mtime: old, ref: false, kept: false},
		{rel: "0/1/msg/0/4-1.msg", mtime: young, ref: true, kept: true},
		{rel: "lost+found/notes.txt", mtime: old, kept: true},
		{rel: "0/1/msg/0/" + blobstore.TempPrefix + "123", mtime: old, kept: false},
		{rel: "0/1/msg/0/" + blobstore.TempPrefix + "456", mtime: young, kept: true},
	}
	for _, f := range files {
		writeFile(t, vol.Root, f.rel, "data", f.mtime)
		if f.ref {
			tracker.add(1, f.rel)
		}
	}

	res, err := sweeper.Sweep(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, f := range files {
		if got := exists(t, vol.Root, f.rel); got != f.kept {
			t.Fatalf("%s: expected kept=%v, got %v", f.rel, f.kept, got)
		}
	}
	if res.Scanned != 4 || res.Deleted != 1 || res.Referenced != 1 || res.Young != 2 || res.TempRemoved != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if stats := sweeper.Stats(); stats.Passes != 1 || stats.Deleted != 1 || stats.DeletedBytes != 4 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSweepDryRunDeletesNothing(t *testing.T) {
	reg := testVolumes(t, models.VolumePrimaryMessage)
	vol, _ := reg.Get(1)
	now := time.Now()
	sweeper := NewSweeper(newFakeTracker(), reg, SweeperConfig{}, testclock.NewClock(now), nil, nil)

	writeFile(t, vol.Root, "0/9/msg/0/1-1.msg", "x", now.Add(-3*time.Hour))

	res, err := sweeper.Sweep(context.Background(), 1, true)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Candidates) != 1 || res.Candidates[0] != "0/9/msg/0/1-1.msg" {
		t.Fatalf("unexpected candidates %v", res.Candidates)
	}
	if res.Deleted != 0 || !exists(t, vol.Root, "0/9/msg/0/1-1.msg") {
		t.Fatal("dry run must not delete")
	}
}

func TestSweepReportsStuckPathsAndContinues(t *testing.T) {
	reg := volume.New(nil, nil)
	reg.ConfigureBackends(func(vol models.Volume) (blobstore.Backend, error) {
		local, err := volume.DefaultBackend(vol)
		if err != nil {
			return nil, err
		}
		if vol.ID == 1 {
			return stubbornBackend{local}, nil
		}
		return local, nil
	})
	root := t.TempDir()
	if _, err := reg.Register(context.Background(), volume.Spec{ID: 1, Type: models.VolumePrimaryMessage, Root: root}); err != nil {
		t.Fatalf("register: %v", err)
	}

	now := time.Now()
	writeFile(t, root, "0/1/msg/0/1-1.msg", "a", now.Add(-2*time.Hour))
	writeFile(t, root, "0/1/msg/0/2-1.msg", "b", now.Add(-2*time.Hour))

	sweeper := NewSweeper(newFakeTracker(), reg, SweeperConfig{MaxDeleteAttempts: 3}, testclock.NewClock(now), nil, nil)

	var res SweepResult
	for pass := 1; pass <= 3; pass++ {
		var err error
		res, err = sweeper.Sweep(context.Background(), 1, false)
		if err != nil {
			t.Fatalf("pass %d: failures must not halt the sweep: %v", pass, err)
		}
		if res.Failed != 2 {
			t.Fatalf("pass %d: expected both deletions to fail, got %+v", pass, res)
		}
		if pass < 3 && len(res.Stuck) != 0 {
			t.Fatalf("pass %d: reported stuck too early: %v", pass, res.Stuck)
		}
	}
	if len(res.Stuck) != 2 || res.Stuck[0] != "0/1/msg/0/1-1.msg" {
		t.Fatalf("expected both paths stuck, got %v", res.Stuck)
	}
}

func TestSweepStopsOnTrackerError(t *testing.T) {
	reg := testVolumes(t, models.VolumePrimaryMessage)
	vol, _ := reg.Get(1)
	now := time.Now()
	tracker := newFakeTracker()
	tracker.err = errors.New("database is locked")
	sweeper := NewSweeper(tracker, reg, SweeperConfig{}, testclock.NewClock(now), nil, nil)

	writeFile(t, vol.Root, "0/1/msg/0/1-1.msg", "x", now.Add(-2*time.Hour))

	if _, err := sweeper.Sweep(context.Background(), 1, false); err == nil {
		t.Fatal("expected tracker error")
	}
	if !exists(t, vol.Root, "0/1/msg/0/1-1.msg") {
		t.Fatal("unknown reference state must never delete")
	}
}

func TestSweepCancelledBeforeAnyDelete(t *testing.T) {
	reg := testVolumes(t, models.VolumePrimaryMessage)
	vol, _ := reg.Get(1)
	now := time.Now()
	sweeper := NewSweeper(newFakeTracker(), reg, SweeperConfig{}, testclock.NewClock(now), nil, nil)
	writeFile(t, vol.Root, "0/1/msg/0/1-1.msg", "x", now.Add(-2*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sweeper.Sweep(ctx, 1, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !exists(t, vol.Root, "0/1/msg/0/1-1.msg") {
		t.Fatal("cancelled sweep must not delete")
	}
}

func TestSweepAllVisitsEveryVolume(t *testing.T) {
	reg := testVolumes(t, models.VolumePrimaryMessage, models.VolumeSecondaryMessage)
	now := time.Now()
	for _, info := range reg.List() {
		writeFile(t, info.Root, "0/1/msg/0/1-1.msg", "x", now.Add(-2*time.Hour))
	}
	sweeper := NewSweeper(newFakeTracker(), reg, SweeperConfig{}, testclock.NewClock(now), nil, nil)

	results, err := sweeper.SweepAll(context.Background(), false)
	if err != nil {
		t.Fatalf("sweep all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Deleted != 1 {
			t.Fatalf("volume %d: expected 1 deletion, got %+v", res.VolumeID, res)
		}
	}

	if _, err := sweeper.Sweep(context.Background(), 42, false); !errors.Is(err, blobstore.ErrVolumeNotFound) {
		t.Fatalf("expected volume not found, got %v", err)
	}
}
