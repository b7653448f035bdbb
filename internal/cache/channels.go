package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// Channel names
const (
	ChannelCompilation = "compilation"
	ChannelExecutable  = "executable"
	ChannelMetadata    = "metadata"
)

// ChannelConfig is the tier spec and default memory TTL of one channel
type ChannelConfig struct {
	Spec string
	TTL  time.Duration
}

// Channels groups the independent caches used by the service
type Channels struct {
	Compilation *Tiered
	Executable  *Tiered
	Metadata    *Tiered
}

// NewChannels constructs all three channels. opener may be nil.
func NewChannels(ctx context.Context, logger logr.Logger, compilation, executable, metadata ChannelConfig, opener StoreOpener) (*Channels, error) {
	build := func(name string, cc ChannelConfig) (*Tiered, error) {
		tiers, err := Build(ctx, cc.Spec, BuildOptions{TTL: cc.TTL, OpenStore: opener})
		if err != nil {
			return nil, fmt.Errorf("%s cache: %w", name, err)
		}

		return New(name, logger, tiers...), nil
	}

	comp, err := build(ChannelCompilation, compilation)
	if err != nil {
		return nil, err
	}

	exe, err := build(ChannelExecutable, executable)
	if err != nil {
		comp.Close()
		return nil, err
	}

	meta, err := build(ChannelMetadata, metadata)
	if err != nil {
		comp.Close()
		exe.Close()
		return nil, err
	}

	return &Channels{Compilation: comp, Executable: exe, Metadata: meta}, nil
}

// Disabled returns channels that never hit
func Disabled(logger logr.Logger) *Channels {
	return &Channels{
		Compilation: New(ChannelCompilation, logger),
		Executable:  New(ChannelExecutable, logger),
		Metadata:    New(ChannelMetadata, logger),
	}
}

func (c *Channels) Close() error {
	return errors.Join(c.Compilation.Close(), c.Executable.Close(), c.Metadata.Close())
}
