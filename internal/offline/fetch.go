package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
)

// Cache outcome reported in the X-Cache header.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"

	cacheHeader = "X-Cache"
)

// Fetch answers req according to the cache policy:
// off-origin and non-GET requests go straight to the network, paths under
// the network-first prefix try the network before the cache, and
// everything else is served cache-first.
func (m *Manager) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	cfg := m.Config()
	if req.URL == nil || !sameOrigin(req.URL, cfg.Origin) {
		return m.passthrough(req)
	}
	if req.Method != http.MethodGet || m.State() != StateActive {
		return m.passthrough(req)
	}
	if cfg.NetworkFirstPrefix != "" && strings.HasPrefix(req.URL.Path, cfg.NetworkFirstPrefix) {
		return m.networkFirst(ctx, cfg, req)
	}
	return m.cacheFirst(ctx, cfg, req)
}

func (m *Manager) passthrough(req *http.Request) (*http.Response, error) {
	resp, err := m.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Header.Set(cacheHeader, CacheBypass)
	return resp, nil
}

func (m *Manager) networkFirst(ctx context.Context, cfg Config, req *http.Request) (*http.Response, error) {
	key := cacheKey(req.URL)
	resp, err := m.fetcher.Do(req)
	if err != nil {
		entry, matchErr := m.storage.Match(ctx, cfg.Version, key)
		if matchErr != nil {
			return nil, err
		}
		m.logger.Debug("network failed, serving cached copy", "url", key, "error", err)
		return withCacheHeader(entry.Response(req), CacheHit), nil
	}
	if resp.StatusCode == http.StatusOK {
		resp, err = m.store(ctx, cfg.Version, key, resp)
		if err != nil {
			return nil, err
		}
	}
	return withCacheHeader(resp, CacheMiss), nil
}

func (m *Manager) cacheFirst(ctx context.Context, cfg Config, req *http.Request) (*http.Response, error) {
	key := cacheKey(req.URL)
	entry, err := m.storage.Match(ctx, cfg.Version, key)
	if err == nil {
		return withCacheHeader(entry.Response(req), CacheHit), nil
	}
	if !errors.Is(err, ErrNoMatch) {
		m.logger.Warn("cache lookup failed", "url", key, "error", err)
	}

	resp, err := m.fetcher.Do(req)
	if err != nil {
		if isNavigation(req) && cfg.OfflinePage != "" {
			if page, pageErr := m.offlinePage(ctx, cfg, req); pageErr == nil {
				m.logger.Debug("serving offline page", "url", key)
				return withCacheHeader(page, CacheHit), nil
			}
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusOK && isBasic(resp, req, cfg.Origin) {
		resp, err = m.store(ctx, cfg.Version, key, resp)
		if err != nil {
			return nil, err
		}
	}
	return withCacheHeader(resp, CacheMiss), nil
}

func (m *Manager) offlinePage(ctx context.Context, cfg Config, req *http.Request) (*http.Response, error) {
	target, err := cfg.Origin.Parse(cfg.OfflinePage)
	if err != nil {
		return nil, err
	}
	entry, err := m.storage.Match(ctx, cfg.Version, cacheKey(target))
	if err != nil {
		return nil, err
	}
	return entry.Response(req), nil
}

// store saves a copy of resp and returns a response with a fresh body.
func (m *Manager) store(ctx context.Context, region, key string, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	entry := &Entry{
		URL:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: m.now().UTC(),
	}
	if err := m.storage.Put(ctx, region, entry); err != nil {
		m.logger.Warn("cache write failed", "url", key, "error", err)
	}
	return resp, nil
}

// ServeHTTP maps an incoming request onto the origin and answers it through Fetch.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := m.Config().Origin
	target := *origin
	target.Path = r.URL.Path
	target.RawPath = r.URL.RawPath
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, h := range []string{"Accept", "Accept-Language", "Sec-Fetch-Mode", "If-None-Match", "If-Modified-Since", "Content-Type"} {
		if v := r.Header.Get(h); v != "" {
			out.Header.Set(h, v)
		}
	}

	resp, err := m.Fetch(r.Context(), out)
	if err != nil {
		m.logger.Warn("offline fetch failed", "path", r.URL.Path, "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// HandlerFetcher answers requests in-process from an http.Handler, such as a
// file server over the asset directory. When Origin is set, requests for any
// other origin go to Remote instead (http.DefaultClient when nil), so
// manifests may list library assets from a CDN.
type HandlerFetcher struct {
	Handler http.Handler
	Origin  *url.URL
	Remote  Fetcher
}

func (f HandlerFetcher) Do(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	if f.Origin != nil && req.URL != nil && req.URL.Host != "" && !sameOrigin(req.URL, f.Origin) {
		remote := f.Remote
		if remote == nil {
			remote = http.DefaultClient
		}
		return remote.Do(req)
	}
	rec := httptest.NewRecorder()
	f.Handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func withCacheHeader(resp *http.Response, status string) *http.Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(cacheHeader, status)
	return resp
}

func sameOrigin(u, origin *url.URL) bool {
	if origin == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

// isBasic reports whether resp is a same-origin response not redirected elsewhere.
func isBasic(resp *http.Response, req *http.Request, origin *url.URL) bool {
	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return sameOrigin(final, origin)
}

func isNavigation(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}
