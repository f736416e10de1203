package obswatchdog

import (
	"context"
	"fmt"
	"io"

	"github.com/3leaps/mash/pkg/provider"
)

// Repository adapts a pkg/provider.Provider into the narrow surface
// the watchdog needs: enumerate candidate artifacts under an image
// prefix, then fetch the small manifest blob each artifact carries so
// pkg/probe can extract package/version/license fields from it.
//
// Production deployments back this with pkg/provider/s3 pointed at the
// OBS build repository's bucket; tests and local polling use
// pkg/provider/file against a directory mirror.
type Repository struct {
	provider provider.Provider
}

func NewRepository(p provider.Provider) *Repository {
	return &Repository{provider: p}
}

// List returns every object under prefix, paging through continuation
// tokens until the repository reports no more results.
func (r *Repository) List(ctx context.Context, prefix string) ([]provider.ObjectSummary, error) {
	var all []provider.ObjectSummary
	token := ""
	for {
		res, err := r.provider.List(ctx, provider.ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("obswatchdog: list %q: %w", prefix, err)
		}
		all = append(all, res.Objects...)
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}
	return all, nil
}

// Fetch downloads key in full. Manifest blobs the watchdog probes are
// small (package index entries), so buffering the whole object is
// acceptable here even though pkg/provider also exposes ranged reads
// for larger objects.
func (r *Repository) Fetch(ctx context.Context, key string) ([]byte, error) {
	getter, ok := r.provider.(provider.ObjectGetter)
	if !ok {
		return nil, fmt.Errorf("obswatchdog: provider does not support GetObject")
	}
	body, _, err := getter.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("obswatchdog: fetch %q: %w", key, err)
	}
	defer func() { _ = body.Close() }()
	return io.ReadAll(body)
}
