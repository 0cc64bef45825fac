// Package volume keeps the set of configured storage roots and the current
// volume for each volume type.
package volume

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mailstore/internal/blobstore"
	"mailstore/internal/models"
)

// Spec declares a volume to register.
type Spec struct {
	ID      int16             `toml:"id" yaml:"id" json:"id"`
	Type    models.VolumeType `toml:"type" yaml:"type" json:"type"`
	Root    string            `toml:"root" yaml:"root" json:"root"`
	Current bool              `toml:"current" yaml:"current" json:"current"`
}

// VolumeInfo is a registered volume together with its backend.
type VolumeInfo struct {
	models.Volume `yaml:",inline"`
	Backend       blobstore.Backend `json:"-" yaml:"-"`
}

// Persister stores registry state across restarts.
type Persister interface {
	InsertVolume(ctx context.Context, vol models.Volume) error
	ListVolumes(ctx context.Context) ([]models.Volume, error)
	SetCurrentVolume(ctx context.Context, id int16) error
}

// BackendFactory opens the backend serving one volume.
type BackendFactory func(vol models.Volume) (blobstore.Backend, error)

// DefaultBackend returns the go-billy backend for external volumes and the
// local filesystem backend for everything else.
func DefaultBackend(vol models.Volume) (blobstore.Backend, error) {
	if vol.Type == models.VolumeExternal {
		return blobstore.NewExternal(vol.Root)
	}
	return blobstore.NewLocal(vol.Root)
}

// Registry is safe for concurrent use. Reads take a shared lock; Register
// and SetCurrent are serialized.
type Registry struct {
	mu         sync.RWMutex
	volumes    map[int16]*VolumeInfo
	current    map[models.VolumeType]int16
	persister  Persister
	newBackend BackendFactory
	logger     *slog.Logger
}

// New returns an empty registry. persister may be nil for an in-memory
// registry.
func New(persister Persister, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		volumes:    map[int16]*VolumeInfo{},
		current:    map[models.VolumeType]int16{},
		persister:  persister,
		newBackend: DefaultBackend,
		logger:     logger.With("component", "volume"),
	}
}

// ConfigureBackends overrides how backends are opened.
func (r *Registry) ConfigureBackends(factory BackendFactory) {
	if r == nil || factory == nil {
		return
	}
	r.mu.Lock()
	r.newBackend = factory
	r.mu.Unlock()
}

// Load replaces in-memory state with what the persister holds.
func (r *Registry) Load(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	vols, err := r.persister.ListVolumes(ctx)
	if err != nil {
		return fmt.Errorf("load volumes: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	volumes := make(map[int16]*VolumeInfo, len(vols))
	current := map[models.VolumeType]int16{}
	for _, vol := range vols {
		backend, err := r.newBackend(vol)
		if err != nil {
			return fmt.Errorf("open volume %d: %w", vol.ID, err)
		}
		volumes[vol.ID] = &VolumeInfo{Volume: vol, Backend: backend}
		if vol.Current {
			current[vol.Type] = vol.ID
		}
	}
	r.volumes = volumes
	r.current = current
	r.logger.Debug("volumes loaded", "count", len(volumes))
	return nil
}

// Register adds a volume. Reusing an id fails with ErrDuplicateVolumeID.
func (r *Registry) Register(ctx context.Context, spec Spec) (VolumeInfo, error) {
	vol, err := normalizeSpec(spec)
	if err != nil {
		return VolumeInfo{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.volumes[vol.ID]; exists {
		return VolumeInfo{}, blobstore.NewError("register", strconv.Itoa(int(vol.ID)), blobstore.ErrDuplicateVolumeID, nil)
	}

	backend, err := r.newBackend(vol)
	if err != nil {
		return VolumeInfo{}, blobstore.NewError("register", vol.Root, blobstore.ErrIOFailure, err)
	}

	if r.persister != nil {
		if err := r.persister.InsertVolume(ctx, vol); err != nil {
			return VolumeInfo{}, err
		}
	}

	info := &VolumeInfo{Volume: vol, Backend: backend}
	r.volumes[vol.ID] = info
	if vol.Current {
		r.demoteLocked(vol.Type, vol.ID)
	}
	r.logger.Info("volume registered", "volume", vol.ID, "type", vol.Type, "root", vol.Root, "current", vol.Current)
	return *info, nil
}

// Bootstrap registers every spec not yet known. A spec whose id is already
// registered with the same type and root is skipped; a differing one is a
// conflict. A spec marked current becomes current only when its type has no
// current volume, so restarts never override an operator's SetCurrent.
func (r *Registry) Bootstrap(ctx context.Context, specs []Spec) error {
	for _, spec := range specs {
		want, err := normalizeSpec(spec)
		if err != nil {
			return err
		}
		existing, err := r.Get(want.ID)
		if err == nil {
			if existing.Type != want.Type || existing.Root != want.Root {
				return blobstore.NewError("bootstrap", strconv.Itoa(int(want.ID)), blobstore.ErrDuplicateVolumeID,
					fmt.Errorf("registered as %s at %s", existing.Type, existing.Root))
			}
			continue
		}

		if want.Current {
			if _, err := r.Current(want.Type); err == nil {
				spec.Current = false
			}
		}
		if _, err := r.Register(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a registered volume.
func (r *Registry) Get(id int16) (VolumeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.volumes[id]
	if !ok {
		return VolumeInfo{}, blobstore.NewError("get volume", strconv.Itoa(int(id)), blobstore.ErrVolumeNotFound, nil)
	}
	return *info, nil
}

// Backend returns the backend serving volume id.
func (r *Registry) Backend(id int16) (blobstore.Backend, error) {
	info, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return info.Backend, nil
}

// Current returns the volume new blobs of type t are written to.
func (r *Registry) Current(t models.VolumeType) (VolumeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.current[t]
	if !ok {
		return VolumeInfo{}, blobstore.NewError("current volume", string(t), blobstore.ErrNoCurrentVolume, nil)
	}
	return *r.volumes[id], nil
}

// SetCurrent makes id the current volume of its type. Existing blobs are
// untouched; only future writes follow the new marker.
func (r *Registry) SetCurrent(ctx context.Context, id int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.volumes[id]
	if !ok {
		return blobstore.NewError("set current", strconv.Itoa(int(id)), blobstore.ErrVolumeNotFound, nil)
	}
	if prev, ok := r.current[info.Type]; ok && prev == id {
		return nil
	}

	if r.persister != nil {
		if err := r.persister.SetCurrentVolume(ctx, id); err != nil {
			return err
		}
	}
	prev := r.current[info.Type]
	r.demoteLocked(info.Type, id)
	r.logger.Info("current volume changed", "type", info.Type, "from", prev, "to", id)
	return nil
}

// List returns every registered volume ordered by id.
func (r *Registry) List() []VolumeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]VolumeInfo, 0, len(r.volumes))
	for _, info := range r.volumes {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) demoteLocked(t models.VolumeType, id int16) {
	for vid, info := range r.volumes {
		if info.Type == t {
			info.Current = vid == id
		}
	}
	r.current[t] = id
}

func normalizeSpec(spec Spec) (models.Volume, error) {
	if spec.ID <= 0 {
		return models.Volume{}, blobstore.NewError("register", "", blobstore.ErrInvalidIdentity,
			fmt.Errorf("volume id must be > 0, got %d", spec.ID))
	}
	volType, err := models.ParseVolumeType(string(spec.Type))
	if err != nil {
		return models.Volume{}, blobstore.NewError("register", "", blobstore.ErrInvalidIdentity, err)
	}
	root := strings.TrimSpace(spec.Root)
	if root == "" {
		return models.Volume{}, blobstore.NewError("register", "", blobstore.ErrInvalidIdentity,
			fmt.Errorf("volume %d root is required", spec.ID))
	}
	if root, err = filepath.Abs(root); err != nil {
		return models.Volume{}, blobstore.NewError("register", spec.Root, blobstore.ErrInvalidIdentity, err)
	}
	return models.Volume{ID: spec.ID, Type: volType, Root: root, Current: spec.Current}, nil
}
