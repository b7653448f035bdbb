package compiler

import (
	"context"
	"fmt"
	"sort"

	"github.com/Norgate-AV/compilerd/internal/cache"
	"github.com/Norgate-AV/compilerd/internal/codes"
)

// Registry is the lookup table from compiler id to its description and, for
// local compilers, the Driver that runs it
type Registry struct {
	infos    map[string]Info
	drivers  map[string]Driver
	metadata *cache.Tiered
}

// NewRegistry creates an empty registry. metadata caches resolved compiler
// versions and may be nil.
func NewRegistry(metadata *cache.Tiered) *Registry {
	return &Registry{
		infos:    make(map[string]Info),
		drivers:  make(map[string]Driver),
		metadata: metadata,
	}
}

// AddRemote registers a compiler that only runs on remote workers
func (r *Registry) AddRemote(info Info) error {
	if err := r.checkNew(info.ID); err != nil {
		return err
	}

	if info.Arch == "" {
		return fmt.Errorf("remote compiler %s needs an arch", info.ID)
	}

	info.Remote = true
	r.infos[info.ID] = info

	return nil
}

// AddDriver registers a locally runnable compiler
func (r *Registry) AddDriver(d Driver) error {
	info := d.Info()
	if err := r.checkNew(info.ID); err != nil {
		return err
	}

	r.infos[info.ID] = info
	r.drivers[info.ID] = d

	return nil
}

func (r *Registry) checkNew(id string) error {
	if id == "" {
		return fmt.Errorf("compiler id is required")
	}

	if _, ok := r.infos[id]; ok {
		return fmt.Errorf("duplicate compiler id %q", id)
	}

	return nil
}

// Lookup returns the compiler description or a Configuration error
func (r *Registry) Lookup(id string) (Info, error) {
	info, ok := r.infos[id]
	if !ok {
		return Info{}, codes.Errorf(codes.Configuration, "unknown compiler %q", id)
	}

	return info, nil
}

// Driver returns the local driver for id or a Configuration error
func (r *Registry) Driver(id string) (Driver, error) {
	d, ok := r.drivers[id]
	if !ok {
		return nil, codes.Errorf(codes.Configuration, "compiler %q cannot run on this host", id)
	}

	return d, nil
}

// List returns every compiler sorted by id
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Version resolves the toolchain version of id. Configured versions win;
// otherwise the driver is asked and the answer is cached in the metadata
// channel.
func (r *Registry) Version(ctx context.Context, id string) (string, error) {
	info, err := r.Lookup(id)
	if err != nil {
		return "", err
	}

	if info.Version != "" {
		return info.Version, nil
	}

	d, ok := r.drivers[id]
	if !ok {
		return "", nil
	}

	key := "version/" + info.ID + "/" + info.Exe
	if r.metadata != nil {
		if entry, ok := r.metadata.Get(ctx, key); ok {
			return string(entry.Payload), nil
		}
	}

	version, err := d.Version(ctx)
	if err != nil {
		return "", err
	}

	if r.metadata != nil {
		r.metadata.Put(ctx, key, []byte(version))
	}

	return version, nil
}
