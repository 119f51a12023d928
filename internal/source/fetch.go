package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	appLog "classsync/internal/log"
)

// cacheEntry holds HTTP cache metadata for one upstream URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// fetchResult is the body of one upstream request.
type fetchResult struct {
	Body      []byte
	FromCache bool // true when the disk copy was used (304 or fallback)
}

// statusError is a non-OK upstream response.
type statusError struct {
	Code   int
	Status string
}

func (e *statusError) Error() string { return "upstream returned " + e.Status }

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

// get fetches url with retries, honouring ETag/Last-Modified from the disk
// cache and falling back to the last good body when every attempt fails.
func (c *Client) get(ctx context.Context, url string) (fetchResult, error) {
	cachePath := c.cachePathForURL(url)
	if cachePath != "" {
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			appLog.Warn("source cache dir unavailable", "err", err)
			cachePath = ""
		}
	}

	var meta cacheEntry
	var cachedBody []byte
	if cachePath != "" {
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = loadCacheBody(cachePath)
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * c.opts.Backoff
			appLog.Debug("source retry", "url", redactURL(url), "attempt", attempt, "wait", wait.String())
			select {
			case <-ctx.Done():
				return fetchResult{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		res, err := c.once(ctx, url, cachePath, meta, cachedBody)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}

	if len(cachedBody) > 0 && ctx.Err() == nil {
		appLog.Error("source fetch failed, using cached body", lastErr, "url", redactURL(url))
		return fetchResult{Body: cachedBody, FromCache: true}, nil
	}
	return fetchResult{}, lastErr
}

func (c *Client) once(ctx context.Context, url, cachePath string, meta cacheEntry, cachedBody []byte) (fetchResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fetchResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
		if err != nil {
			return fetchResult{}, err
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          url,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("source cache save failed", err, "url", redactURL(url))
			}
		}
		appLog.Debug("source fetch success", "url", redactURL(url), "bytes", len(body))
		return fetchResult{Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return fetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("source not modified; using cache", "url", redactURL(url))
		return fetchResult{Body: cachedBody, FromCache: true}, nil

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fetchResult{}, &statusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

func (c *Client) cachePathForURL(url string) string {
	if c.opts.CacheDir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.opts.CacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.json"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.json"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host for logging.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"
	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "upstream://...(redacted)"
	}
	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}
	return u[:j] + redactedSuffix
}
