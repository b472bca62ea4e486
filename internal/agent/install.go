package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offcache/offcache/internal/cache"
)

type fetchedAsset struct {
	key  cache.Key
	resp *cache.Response
}

// Install pre-caches every manifest asset into the store named by the agent's
// identifier. It is all-or-nothing with respect to the manifest: all assets
// are fetched before anything is written, and any fetch or write failure
// fails the whole install. It never asks to skip waiting.
func (a *Agent) Install(ctx context.Context) error {
	started := time.Now()
	a.setState(StateInstalling)

	err := a.install(ctx)
	fields := logrus.Fields{
		"action":     "install",
		"cache_id":   a.id.String(),
		"assets":     len(a.assets),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		a.setState(StateRedundant)
		fields["error"] = err.Error()
		a.logger.WithFields(fields).Error("install_failed")
		return fmt.Errorf("%w: %s: %w", ErrInstallFailed, a.id, err)
	}

	a.setState(StateInstalled)
	a.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (a *Agent) install(ctx context.Context) error {
	store, err := a.currentStore(ctx)
	if err != nil {
		return err
	}

	fetched := make([]fetchedAsset, len(a.assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, asset := range a.assets {
		g.Go(func() error {
			item, err := a.fetchAsset(gctx, asset)
			if err != nil {
				return fmt.Errorf("%s: %w", asset, err)
			}
			fetched[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, item := range fetched {
		if err := store.Put(ctx, item.key, item.resp); err != nil {
			return fmt.Errorf("store %s: %w", item.key.URL, err)
		}
	}
	return nil
}

func (a *Agent) fetchAsset(ctx context.Context, asset string) (fetchedAsset, error) {
	target, err := a.resolve(asset)
	if err != nil {
		return fetchedAsset{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fetchedAsset{}, err
	}
	resp, err := a.network.Do(req)
	if err != nil {
		return fetchedAsset{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fetchedAsset{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	stored, err := cache.Duplicate(resp)
	if err != nil {
		return fetchedAsset{}, err
	}
	return fetchedAsset{key: cache.KeyFor(req), resp: stored}, nil
}
