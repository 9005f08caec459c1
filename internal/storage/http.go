package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmylchreest/vidtap/internal/config"
	"github.com/jmylchreest/vidtap/pkg/httpclient"
)

// HTTPSource reads http:// and https:// locations. It is read-only.
type HTTPSource struct {
	client *httpclient.Client
}

// NewHTTPSource creates a source backed by a retrying HTTP client.
func NewHTTPSource(cfg config.HTTPConfig, userAgent string, logger *slog.Logger) *HTTPSource {
	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = cfg.Timeout
	clientCfg.RetryAttempts = cfg.RetryAttempts
	clientCfg.UserAgent = userAgent
	if cfg.UserAgent != "" {
		clientCfg.UserAgent = cfg.UserAgent
	}
	clientCfg.Logger = logger
	return &HTTPSource{client: httpclient.New(clientCfg)}
}

// NewHTTPSourceWithClient wraps an existing client.
func NewHTTPSourceWithClient(client *httpclient.Client) *HTTPSource {
	return &HTTPSource{client: client}
}

// Open implements SourceProvider.
func (s *HTTPSource) Open(ctx context.Context, loc Location) (*Source, error) {
	resp, err := s.client.Get(ctx, loc.Key)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			switch statusErr.StatusCode {
			case http.StatusNotFound, http.StatusGone:
				return nil, fmt.Errorf("get %s: %w", loc, ErrNotFound)
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("get %s: %w", loc, ErrUnauthorized)
			}
		}
		return nil, fmt.Errorf("get %s: %w", loc, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	info := ObjectInfo{
		URI:         loc.String(),
		Name:        loc.Name(),
		Parent:      loc.Parent(),
		Size:        resp.ContentLength,
		ContentType: contentType,
		ETag:        resp.Header.Get("ETag"),
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		info.LastModified = lm.UTC()
	}
	return &Source{Body: resp.Body, Info: info}, nil
}
