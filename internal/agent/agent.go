package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/manifest"
)

// SourceHeader tells the caller whether a response came from the cache store
// or from the network.
const SourceHeader = "X-Offcache-Source"

const (
	SourceCache   = "cache"
	SourceNetwork = "network"
)

var (
	// ErrNotHandled is returned for requests the agent does not mediate
	// (anything but GET). The host forwards them to the network untouched.
	ErrNotHandled = errors.New("request not mediated by agent")
	// ErrInstallFailed wraps the first asset failure of an install.
	ErrInstallFailed = errors.New("install failed")
)

// Network performs real requests; *http.Client satisfies it.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// Host is the platform side the agent can call back into.
type Host interface {
	// SkipWaiting asks the platform to activate this agent without waiting
	// for the pages of the previous version to close.
	SkipWaiting(ctx context.Context)
	// ClaimClients makes this agent the controller of every open page.
	ClaimClients(ctx context.Context)
}

// Options configures one agent version.
type Options struct {
	ID        manifest.Identifier
	Assets    []string
	Exclusion ExclusionPolicy
	// BaseURL resolves the relative asset paths of the manifest.
	BaseURL *url.URL
	Storage cache.Storage
	Network Network
	Logger  *logrus.Logger
	// InstallConcurrency bounds parallel asset fetches; <= 0 means 4.
	InstallConcurrency int
}

// Agent is one version of the offline cache agent. It owns its store handle
// explicitly; nothing is shared through package state.
type Agent struct {
	id          manifest.Identifier
	assets      []string
	exclusion   ExclusionPolicy
	base        *url.URL
	storage     cache.Storage
	network     Network
	logger      *logrus.Logger
	concurrency int

	mu    sync.RWMutex
	state State
	host  Host
	store cache.Store
}

// New validates opts and returns an agent in the parsed state.
func New(opts Options) (*Agent, error) {
	if _, err := manifest.ParseIdentifier(string(opts.ID)); err != nil {
		return nil, err
	}
	if len(opts.Assets) == 0 {
		return nil, errors.New("asset manifest is empty")
	}
	if opts.BaseURL == nil || !opts.BaseURL.IsAbs() {
		return nil, errors.New("absolute base url required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage required")
	}
	if opts.Network == nil {
		return nil, errors.New("network required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Agent{
		id:          opts.ID,
		assets:      append([]string(nil), opts.Assets...),
		exclusion:   opts.Exclusion,
		base:        opts.BaseURL,
		storage:     opts.Storage,
		network:     opts.Network,
		logger:      logger,
		concurrency: concurrency,
		state:       StateParsed,
	}, nil
}

// ID returns the cache identifier this agent installs and serves from.
func (a *Agent) ID() manifest.Identifier { return a.id }

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Bind attaches the platform host. It must happen before Install.
func (a *Agent) Bind(h Host) {
	a.mu.Lock()
	a.host = h
	a.mu.Unlock()
}

// MarkRedundant is used by the host when a newer version supersedes this one.
func (a *Agent) MarkRedundant() {
	a.setState(StateRedundant)
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.logger.WithFields(logrus.Fields{
			"action":   "state",
			"cache_id": a.id.String(),
			"from":     string(prev),
			"to":       string(s),
		}).Debug("agent_state_changed")
	}
}

func (a *Agent) boundHost() Host {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.host
}

// currentStore lazily opens the store named by the agent's identifier.
func (a *Agent) currentStore(ctx context.Context) (cache.Store, error) {
	a.mu.RLock()
	store := a.store
	a.mu.RUnlock()
	if store != nil {
		return store, nil
	}
	store, err := a.storage.Open(ctx, a.id.String())
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", a.id, err)
	}
	a.mu.Lock()
	if a.store == nil {
		a.store = store
	}
	store = a.store
	a.mu.Unlock()
	return store, nil
}

func (a *Agent) resolve(asset string) (*url.URL, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return nil, err
	}
	return a.base.ResolveReference(ref), nil
}
