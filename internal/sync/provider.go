package sync

import (
	"context"

	"github.com/nimbusmail/mail-sync-infra/internal/provider"
)

// ChangeSource is the slice of the provider API the runner drives: start a
// provider-side sync job and page through the change stream.
type ChangeSource interface {
	StartSync(ctx context.Context, windowDays int, bodyFormat string) (*provider.SyncJob, error)
	FetchChanges(ctx context.Context, query provider.ChangeQuery) (*provider.ChangePage, []error, error)
}

// Embedder turns text into a fixed-length vector for the search index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SourceFactory builds a ChangeSource authenticated with an account's
// access token.
type SourceFactory func(ctx context.Context, accessToken string) ChangeSource
