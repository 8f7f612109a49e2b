// Package storage abstracts file transfer for training data, update-log
// inserts, and backup archives. Providers are keyed by URI scheme: plain
// paths resolve to the local provider, s3://, azure:// and gs:// to the
// matching cloud SDK. Cloud clients are built lazily on first use so a
// deployment without cloud credentials never touches the SDKs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("storage: object not found")
	ErrUnknownProvider = errors.New("storage: unknown provider scheme")
)

// Provider transfers files to and from one backing store.
type Provider interface {
	// DownloadFile copies the object at uri to the local path dest.
	DownloadFile(ctx context.Context, uri, dest string) error

	// UploadFile copies the local file src to uri.
	UploadFile(ctx context.Context, src, uri string) error

	// ListFiles returns the full URIs of objects under the uri prefix.
	ListFiles(ctx context.Context, uri string) ([]string, error)

	// DeleteFile removes the object at uri. Used by backup retention.
	DeleteFile(ctx context.Context, uri string) error
}

// Registry resolves providers by URI scheme.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
	builders  map[string]func(context.Context) (Provider, error)
	logger    *zap.Logger
}

// NewRegistry creates a Registry with the local provider pre-registered and
// cloud providers registered as lazy builders.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		providers: map[string]Provider{"local": &localProvider{}},
		builders:  make(map[string]func(context.Context) (Provider, error)),
		logger:    logger.Named("storage"),
	}
	r.builders["s3"] = newS3Provider
	r.builders["azure"] = newAzureProvider
	r.builders["gs"] = newGCSProvider
	return r
}

// ForURI resolves the provider for uri. Plain paths map to local.
func (r *Registry) ForURI(ctx context.Context, uri string) (Provider, error) {
	return r.Get(ctx, schemeOf(uri))
}

// Get resolves a provider by scheme, building cloud clients on first use.
func (r *Registry) Get(ctx context.Context, scheme string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[scheme]; ok {
		return p, nil
	}
	build, ok := r.builders[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, scheme)
	}
	p, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: initializing %s provider: %w", scheme, err)
	}
	r.providers[scheme] = p
	r.logger.Info("provider initialized", zap.String("scheme", scheme))
	return p, nil
}

// schemeOf extracts the provider scheme from a URI, defaulting to local.
func schemeOf(uri string) string {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return "local"
	}
	switch scheme {
	case "gcs":
		return "gs"
	case "az", "azblob":
		return "azure"
	default:
		return scheme
	}
}

// splitObjectURI splits "scheme://bucket/key" into bucket and key.
func splitObjectURI(uri string) (bucket, key string, err error) {
	_, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return "", "", fmt.Errorf("storage: %q is not an object URI", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("storage: %q has no bucket", uri)
	}
	return bucket, key, nil
}
