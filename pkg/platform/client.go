package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient is a small GET client with exponential-backoff retries on transport
// errors and 5xx responses.
type HTTPClient struct {
	Client  *http.Client
	Retries int
	Backoff time.Duration
	Logger  zerolog.Logger
}

func NewHTTPClient(retries int, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		Retries: retries,
		Backoff: 200 * time.Millisecond,
		Logger:  logger,
	}
}

// GetBody fetches url and returns the response body of a 2xx response.
func (c *HTTPClient) GetBody(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for i := 0; i <= c.Retries; i++ {
		body, retry, err := c.get(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry {
			break
		}

		if i < c.Retries {
			c.Logger.Warn().Str("url", url).Int("attempt", i+1).Err(err).Msg("HTTP request failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<i) * c.Backoff):
			}
		}
	}

	return nil, fmt.Errorf("request to %s failed after %d retries: %w", url, c.Retries, lastErr)
}

func (c *HTTPClient) get(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	return body, false, nil
}
