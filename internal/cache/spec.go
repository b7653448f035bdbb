package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Norgate-AV/compilerd/internal/blobstore"
)

// StoreOpener opens an object store for an S3(bucket,prefix,region) tier
type StoreOpener func(ctx context.Context, bucket, prefix, region string) (blobstore.Store, error)

// OpenS3 is the production StoreOpener
func OpenS3(ctx context.Context, bucket, prefix, region string) (blobstore.Store, error) {
	return blobstore.OpenS3(ctx, bucket, prefix, region)
}

// TierSpec is one parsed element of a tier specification string
type TierSpec struct {
	Kind string
	Args []string
}

// ParseSpec parses a tier specification such as
//
//	InMemory(50);OnDisk(/var/cache/compilerd,10000);S3(bucket,cache,us-east-1)
//
// An empty spec or "none" yields no tiers.
func ParseSpec(spec string) ([]TierSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "none") {
		return nil, nil
	}

	var specs []TierSpec
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		open := strings.IndexByte(part, '(')
		if open <= 0 || !strings.HasSuffix(part, ")") {
			return nil, fmt.Errorf("invalid cache tier %q: expected Kind(args)", part)
		}

		ts := TierSpec{Kind: strings.TrimSpace(part[:open])}
		inner := strings.TrimSpace(part[open+1 : len(part)-1])
		if inner != "" {
			for _, arg := range strings.Split(inner, ",") {
				ts.Args = append(ts.Args, strings.TrimSpace(arg))
			}
		}

		specs = append(specs, ts)
	}

	return specs, nil
}

// BuildOptions configure how tiers are constructed from a spec
type BuildOptions struct {
	// TTL applies to in-memory tiers that do not set their own
	TTL time.Duration

	// OpenStore opens S3 tiers; defaults to OpenS3
	OpenStore StoreOpener
}

// Build parses spec and constructs its tiers
func Build(ctx context.Context, spec string, opts BuildOptions) ([]Tier, error) {
	specs, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}

	if opts.OpenStore == nil {
		opts.OpenStore = OpenS3
	}

	tiers := make([]Tier, 0, len(specs))
	for _, ts := range specs {
		tier, err := buildTier(ctx, ts, opts)
		if err != nil {
			closeTiers(tiers)
			return nil, err
		}

		tiers = append(tiers, tier)
	}

	return tiers, nil
}

func buildTier(ctx context.Context, ts TierSpec, opts BuildOptions) (Tier, error) {
	switch strings.ToLower(ts.Kind) {
	case "inmemory":
		if len(ts.Args) < 1 || len(ts.Args) > 2 {
			return nil, fmt.Errorf("InMemory expects (entries[,ttl]), got %d args", len(ts.Args))
		}

		capacity, err := strconv.Atoi(ts.Args[0])
		if err != nil {
			return nil, fmt.Errorf("invalid InMemory entry count %q: %w", ts.Args[0], err)
		}

		ttl := opts.TTL
		if len(ts.Args) == 2 {
			ttl, err = time.ParseDuration(ts.Args[1])
			if err != nil {
				return nil, fmt.Errorf("invalid InMemory ttl %q: %w", ts.Args[1], err)
			}
		}

		return NewMemoryTier(capacity, ttl)

	case "ondisk":
		if len(ts.Args) < 1 || len(ts.Args) > 2 {
			return nil, fmt.Errorf("OnDisk expects (path[,entries]), got %d args", len(ts.Args))
		}

		maxEntries := 0
		if len(ts.Args) == 2 {
			n, err := strconv.Atoi(ts.Args[1])
			if err != nil {
				return nil, fmt.Errorf("invalid OnDisk entry count %q: %w", ts.Args[1], err)
			}

			maxEntries = n
		}

		return NewDiskTier(ts.Args[0], maxEntries)

	case "s3":
		if len(ts.Args) != 3 {
			return nil, fmt.Errorf("S3 expects (bucket,prefix,region), got %d args", len(ts.Args))
		}

		store, err := opts.OpenStore(ctx, ts.Args[0], ts.Args[1], ts.Args[2])
		if err != nil {
			return nil, fmt.Errorf("failed to open S3 tier: %w", err)
		}

		return NewRemoteTier("s3", store), nil

	default:
		return nil, fmt.Errorf("unknown cache tier kind %q", ts.Kind)
	}
}

func closeTiers(tiers []Tier) {
	for _, t := range tiers {
		if c, ok := t.(Closer); ok {
			_ = c.Close()
		}
	}
}
