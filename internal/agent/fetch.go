package agent

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/cache"
)

// HandleFetch serves req cache-first. A hit is returned without touching the
// network. On a miss the request goes to the network; a successful response is
// duplicated into the store (unless excluded) before it is returned. Network
// errors propagate unchanged; there is no offline fallback. Only GET is
// mediated, everything else yields ErrNotHandled.
func (a *Agent) HandleFetch(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return nil, ErrNotHandled
	}

	ctx := req.Context()
	key := cache.KeyFor(req)
	fields := logrus.Fields{
		"action":   "fetch",
		"cache_id": a.id.String(),
		"url":      key.URL,
	}

	store, err := a.currentStore(ctx)
	if err != nil {
		a.logger.WithError(err).WithFields(fields).Warn("cache_open_failed")
	}

	if store != nil {
		cached, err := store.Match(ctx, key)
		switch {
		case err == nil:
			resp := cached.HTTP(req)
			resp.Header.Set(SourceHeader, SourceCache)
			a.logger.WithFields(fields).Debug("cache_hit")
			return resp, nil
		case errors.Is(err, cache.ErrNotFound):
			// miss, continue
		default:
			a.logger.WithError(err).WithFields(fields).Warn("cache_match_failed")
		}
	}

	resp, err := a.network.Do(req)
	if err != nil {
		return nil, err
	}

	if store == nil || !storable(resp) || a.exclusion.Excludes(req.URL.String()) {
		markNetwork(resp)
		return resp, nil
	}

	stored, err := cache.Duplicate(resp)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, key, stored); err != nil {
		a.logger.WithError(err).WithFields(fields).Warn("cache_put_failed")
	}
	markNetwork(resp)
	return resp, nil
}

// storable rejects partial content, which a response store cannot replay.
func storable(resp *http.Response) bool {
	return resp.StatusCode != http.StatusPartialContent
}

func markNetwork(resp *http.Response) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(SourceHeader, SourceNetwork)
}
