package regions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Fetcher retrieves a raw region document.
type Fetcher interface {
	GetBody(ctx context.Context, url string) ([]byte, error)
}

// RemoteSource fetches a region document over HTTP and keeps it for TTL.
// When a fetch fails it serves the last good table, or the static table if
// nothing was ever fetched.
type RemoteSource struct {
	URL     string
	TTL     time.Duration
	fetcher Fetcher
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	cached    []Region
	expiresAt time.Time
}

// NewRemoteSource creates a source with a 15 minute TTL.
func NewRemoteSource(url string, fetcher Fetcher, logger zerolog.Logger) *RemoteSource {
	return &RemoteSource{
		URL:     url,
		TTL:     15 * time.Minute,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
	}
}

// Regions returns the current table, refreshing it when the cached copy expired.
func (s *RemoteSource) Regions(ctx context.Context) ([]Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.now().Before(s.expiresAt) {
		return s.cached, nil
	}

	regions, err := s.fetch(ctx)
	if err != nil {
		if s.cached != nil {
			s.logger.Warn().Err(err).Str("url", s.URL).Msg("region refresh failed, serving cached table")
			return s.cached, nil
		}
		s.logger.Warn().Err(err).Str("url", s.URL).Msg("region fetch failed, falling back to static table")
		return staticRegions(), nil
	}

	s.cached = regions
	s.expiresAt = s.now().Add(s.TTL)
	return regions, nil
}

// Refresh loads the current table into store.
func (s *RemoteSource) Refresh(ctx context.Context, store *Store) error {
	regions, err := s.Regions(ctx)
	if err != nil {
		return err
	}
	store.Replace(regions)
	return nil
}

// Run refetches the document every TTL and loads it into store until ctx is
// done.
func (s *RemoteSource) Run(ctx context.Context, store *Store) {
	ticker := time.NewTicker(s.TTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.expiresAt = time.Time{}
			s.mu.Unlock()
			if err := s.Refresh(ctx, store); err != nil {
				s.logger.Warn().Err(err).Str("url", s.URL).Msg("region refresh failed")
				continue
			}
			s.logger.Debug().Str("url", s.URL).Str("hash", store.Hash()).Msg("region table refreshed")
		}
	}
}

func (s *RemoteSource) fetch(ctx context.Context) ([]Region, error) {
	body, err := s.fetcher.GetBody(ctx, s.URL)
	if err != nil {
		return nil, err
	}
	return Parse(body)
}
