package gc

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/juju/clock/testclock"

	"mailstore/internal/blobstore"
	"mailstore/internal/linker"
	"mailstore/internal/models"
	"mailstore/internal/paths"
	"mailstore/internal/volume"
)

func testLinker(t *testing.T) *linker.Linker {
	t.Helper()
	l, err := linker.New(paths.DefaultLayout(), nil, nil)
	if err != nil {
		t.Fatalf("new linker: %v", err)
	}
	return l
}

// materialize creates a mailbox blob on volumeID holding content.
func materialize(t *testing.T, l *linker.Linker, reg *volume.Registry, volumeID int16, id models.Identity, content string) *models.MailboxBlob {
	t.Helper()
	vol, err := reg.Get(volumeID)
	if err != nil {
		t.Fatalf("get volume: %v", err)
	}
	digest, n, err := blobstore.DigestReader(context.Background(), blobstore.DefaultDigest, strings.NewReader(content))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	src := linker.Source{
		Blob: models.Blob{Path: "mem", Size: n, Digest: digest},
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
	mb, err := l.Materialize(context.Background(), src, id, vol)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	return mb
}

func readable(t *testing.T, l *linker.Linker, reg *volume.Registry, mb *models.MailboxBlob) (string, bool) {
	t.Helper()
	vol, err := reg.Get(mb.VolumeID)
	if err != nil {
		t.Fatalf("get volume: %v", err)
	}
	rc, err := l.Open(context.Background(), mb, vol)
	if errors.Is(err, blobstore.ErrBlobMissing) {
		return "", false
	}
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data), true
}

func TestMoveWithConfirmation(t *testing.T) {
	reg := testVolumes(t, models.VolumePrimaryMessage, models.VolumeSecondaryMessage)
	l := testLinker(t)
	mover := NewMover(reg, l, nil, nil)
	id := models.Identity{MailboxID: 11, ItemID: 22, Revision: 1}
	mb := materialize(t, l, reg, 1, id, "move me")

	var confirmed *models.MailboxBlob
	moved, err := mover.Move(context.Background(), mb, 2, func(ctx context.Context, nb *models.MailboxBlob) error {
		// The new copy must be readable before metadata is switched over.
		if got, ok := readable(t, l, reg, nb); !ok || got != "move me" {
			t.Errorf("new copy not readable at confirmation time")
		}
		confirmed = nb
		return nil
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if confirmed == nil || moved.VolumeID != 2 {
		t.Fatalf("expected confirmed move to volume 2, got %+v", moved)
	}
	if got, ok := readable(t, l, reg, moved); !ok || got != "move me" {
		t.Fatalf("moved blob unreadable: %q", got)
	}
	if _, ok := readable(t, l, reg, mb); ok {
		t.Fatal("old copy must be removed after confirmation")
	}
}

func TestMoveWithoutConfirmationKeepsSource(t *testing.T) {
	reg := testVolumes(t, models.VolumePrimaryMessage, models.VolumeSecondaryMessage)
	l := testLinker(t)
	mover := NewMover(reg, l, nil, nil)
	mb := materialize(t, l, reg, 1, models.Identity{MailboxID: 1, ItemID: 1, Revision: 1}, "keep me")

	moved, err := mover.Move(context.Background(), mb, 2, func(ctx context.Context, nb *models.MailboxBlob) error {
		return errors.New("metadata commit failed")
	})
	if !errors.Is(err, blobstore.ErrMoveIncomplete) {
		t.Fatalf("expected move incomplete, got %v", err)
	}
	if !blobstore.IsInconsistent(err) {
		t.Fatalf("expected inconsistent kind, got %v", err)
	}
	if moved == nil || moved.VolumeID != 2 {
		t.Fatalf("expected the new blob to be returned, got %+v", moved)
	}
	if got, ok := readable(t, l, reg, mb); !ok || got != "keep me" {
		t.Fatal("source must stay readable when the move is not confirmed")
	}
	if _, ok := readable(t, l, reg, moved); !ok {
		t.Fatal("new copy must remain for the caller to retry or discard")
	}

	// Retrying is idempotent and completes once confirmed.
	if _, err := mover.Move(context.Background(), mb, 2, func(ctx context.Context, nb *models.MailboxBlob) error { return nil }); err != nil {
		t.Fatalf("retry move: %v", err)
	}
	if _, ok := readable(t, l, reg, mb); ok {
		t.Fatal("old copy must be removed after the retried move")
	}
}

func TestMoveToSameVolumeIsNoop(t *testing.T) {
	reg := testVolumes(t, models.VolumePrimaryMessage)
	l := testLinker(t)
	mover := NewMover(reg, l, nil, nil)
	mb := materialize(t, l, reg, 1, models.Identity{MailboxID: 1, ItemID: 1, Revision: 1}, "stay")

	called := false
	moved, err := mover.Move(context.Background(), mb, 1, func(ctx context.Context, nb *models.MailboxBlob) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if called {
		t.Fatal("a same-volume move must not confirm anything")
	}
	if moved.Path != mb.Path {
		t.Fatalf("expected unchanged blob, got %+v", moved)
	}
	if _, ok := readable(t, l, reg, mb); !ok {
		t.Fatal("blob must remain")
	}
}

func TestMoveToExternalVolume(t *testing.T) {
	reg := volume.New(nil, nil)
	mem := memfs.New()
	reg.ConfigureBackends(func(vol models.Volume) (blobstore.Backend, error) {
		if vol.Type == models.VolumeExternal {
			return blobstore.NewBilly(mem, vol.Root), nil
		}
		return volume.DefaultBackend(vol)
	})
	ctx := context.Background()
	if _, err := reg.Register(ctx, volume.Spec{ID: 1, Type: models.VolumePrimaryMessage, Root: t.TempDir()}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register(ctx, volume.Spec{ID: 20, Type: models.VolumeExternal, Root: "/archive"}); err != nil {
		t.Fatalf("register external: %v", err)
	}

	l := testLinker(t)
	mover := NewMover(reg, l, nil, nil)
	mb := materialize(t, l, reg, 1, models.Identity{MailboxID: 4, ItemID: 5, Revision: 6}, "archive me")

	moved, err := mover.Move(ctx, mb, 20, func(ctx context.Context, nb *models.MailboxBlob) error { return nil })
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got, ok := readable(t, l, reg, moved); !ok || got != "archive me" {
		t.Fatalf("archived blob unreadable: %q", got)
	}

	// And back again, copying from the external volume.
	back, err := mover.Move(ctx, moved, 1, func(ctx context.Context, nb *models.MailboxBlob) error { return nil })
	if err != nil {
		t.Fatalf("move back: %v", err)
	}
	if got, ok := readable(t, l, reg, back); !ok || got != "archive me" {
		t.Fatalf("restored blob unreadable: %q", got)
	}
}

func TestMoveMissingSource(t *testing.T) {
	reg := testVolumes(t, models.VolumePrimaryMessage, models.VolumeSecondaryMessage)
	l := testLinker(t)
	mover := NewMover(reg, l, nil, nil)
	vol, _ := reg.Get(1)
	mb, err := l.Locate(models.Identity{MailboxID: 1, ItemID: 1, Revision: 1}, vol, 10, "sha256:"+strings.Repeat("0", 64))
	if err != nil {
		t.Fatalf("locate: %v", err)
	}

	_, err = mover.Move(context.Background(), mb, 2, func(ctx context.Context, nb *models.MailboxBlob) error { return nil })
	if !errors.Is(err, blobstore.ErrBlobMissing) {
		t.Fatalf("expected blob missing, got %v", err)
	}
}

func TestMoveSurvivesSweepBeforeConfirmation(t *testing.T) {
	reg := testVolumes(t, models.VolumePrimaryMessage, models.VolumeSecondaryMessage)
	l := testLinker(t)
	mover := NewMover(reg, l, nil, nil)
	mb := materialize(t, l, reg, 1, models.Identity{MailboxID: 4, ItemID: 8, Revision: 1}, "old mail")

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(mb.Path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	tracker := newFakeTracker()
	tracker.add(1, mb.RelPath)
	sweeper := NewSweeper(tracker, reg, SweeperConfig{SafetyMargin: time.Hour}, testclock.NewClock(time.Now()), nil, nil)

	moved, err := mover.Move(context.Background(), mb, 2, func(ctx context.Context, nb *models.MailboxBlob) error {
		// A sweep of the target runs before the metadata points at the new copy.
		res, err := sweeper.Sweep(ctx, 2, false)
		if err != nil {
			return err
		}
		if res.Deleted != 0 {
			t.Errorf("sweep deleted the unconfirmed copy: %+v", res)
		}
		tracker.add(2, nb.RelPath)
		return nil
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got, ok := readable(t, l, reg, moved); !ok || got != "old mail" {
		t.Fatalf("moved blob must stay readable, got %q", got)
	}
}
