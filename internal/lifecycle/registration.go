package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/agent"
	"github.com/offcache/offcache/internal/manifest"
)

var (
	// ErrNoController means no worker is in control of the request.
	ErrNoController = errors.New("no controlling worker")
	// ErrNoWorker means a message targeted a slot that is empty.
	ErrNoWorker = errors.New("no worker in requested slot")
	// ErrUnknownClient means the client id was never opened or already closed.
	ErrUnknownClient = errors.New("unknown client")
)

// Worker is what the registration drives; *agent.Agent implements it.
type Worker interface {
	ID() manifest.Identifier
	State() agent.State
	Bind(agent.Host)
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	HandleFetch(req *http.Request) (*http.Response, error)
	ReceiveMessage(ctx context.Context, data []byte)
	MarkRedundant()
}

// Target selects which worker slot a message is posted to.
type Target string

const (
	TargetDefault    Target = ""
	TargetInstalling Target = "installing"
	TargetWaiting    Target = "waiting"
	TargetActive     Target = "active"
)

// Registration plays the platform's part: it keeps at most one installing,
// one waiting and one active worker, tracks open pages (clients) and fires
// the lifecycle triggers. Transitions are serialized by transition; state
// lives under mu, which is never held while a worker runs.
type Registration struct {
	logger *logrus.Logger

	transition sync.Mutex

	mu            sync.Mutex
	installing    Worker
	waiting       Worker
	active        Worker
	skipRequested map[Worker]bool
	clients       map[string]Worker
}

// WorkerStatus describes one occupied slot.
type WorkerStatus struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Clients int    `json:"clients"`
}

// Status is a point-in-time view of the registration.
type Status struct {
	Installing *WorkerStatus `json:"installing,omitempty"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Active     *WorkerStatus `json:"active,omitempty"`
	Clients    int           `json:"clients"`
}

// NewRegistration returns an empty registration.
func NewRegistration(logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registration{
		logger:        logger,
		skipRequested: make(map[Worker]bool),
		clients:       make(map[string]Worker),
	}
}

// Update installs w unless its identifier is already active or waiting. A
// failed install leaves the current workers untouched; the caller retries
// on the next trigger with a fresh worker.
func (r *Registration) Update(ctx context.Context, w Worker) error {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	if (r.active != nil && r.active.ID() == w.ID()) || (r.waiting != nil && r.waiting.ID() == w.ID()) {
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"action":   "update",
			"cache_id": w.ID().String(),
		}).Debug("update_unchanged")
		return r.tryActivateLocked(ctx)
	}
	r.installing = w
	r.mu.Unlock()

	w.Bind(&workerHost{reg: r, worker: w})
	if err := w.Install(ctx); err != nil {
		r.mu.Lock()
		r.installing = nil
		delete(r.skipRequested, w)
		r.mu.Unlock()
		w.MarkRedundant()
		return err
	}

	r.mu.Lock()
	r.installing = nil
	prevWaiting := r.waiting
	r.waiting = w
	if prevWaiting != nil {
		delete(r.skipRequested, prevWaiting)
	}
	r.mu.Unlock()
	if prevWaiting != nil {
		prevWaiting.MarkRedundant()
	}

	r.logger.WithFields(logrus.Fields{
		"action":   "update",
		"cache_id": w.ID().String(),
	}).Info("worker_waiting")

	return r.tryActivateLocked(ctx)
}

// tryActivateLocked promotes the waiting worker when nothing holds it back.
// The caller holds r.transition.
func (r *Registration) tryActivateLocked(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return nil
	}
	ready := r.active == nil || r.skipRequested[w] || r.controlledByLocked(r.active) == 0
	if !ready {
		r.mu.Unlock()
		return nil
	}
	prevActive := r.active
	skip := r.skipRequested[w]
	r.active = w
	r.waiting = nil
	delete(r.skipRequested, w)
	r.mu.Unlock()

	if err := w.Activate(ctx); err != nil {
		// 回滚：旧版本继续控制页面，w 留在 waiting，下一次触发重试。
		r.mu.Lock()
		if r.active == w {
			r.active = prevActive
			for id, c := range r.clients {
				if c == w {
					r.clients[id] = prevActive
				}
			}
			if r.waiting == nil {
				r.waiting = w
				if skip {
					r.skipRequested[w] = true
				}
			}
		}
		r.mu.Unlock()
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "activate",
			"cache_id": w.ID().String(),
		}).Warn("activate_rolled_back")
		return err
	}

	if prevActive != nil {
		prevActive.MarkRedundant()
	}
	return nil
}

// TryActivate promotes the waiting worker if nothing holds it back. It is
// how a failed activation gets retried without a new install.
func (r *Registration) TryActivate(ctx context.Context) error {
	r.transition.Lock()
	defer r.transition.Unlock()
	return r.tryActivateLocked(ctx)
}

func (r *Registration) controlledByLocked(w Worker) int {
	n := 0
	for _, c := range r.clients {
		if c == w {
			n++
		}
	}
	return n
}

// skipWaiting is called through the worker's host binding.
func (r *Registration) skipWaiting(ctx context.Context, w Worker) {
	r.mu.Lock()
	switch w {
	case r.waiting:
		r.skipRequested[w] = true
	case r.installing:
		// Honoured once the install finishes, in Update.
		r.skipRequested[w] = true
		r.mu.Unlock()
		return
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.transition.Lock()
	defer r.transition.Unlock()
	if err := r.tryActivateLocked(ctx); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "skip_waiting",
			"cache_id": w.ID().String(),
		}).Error("activate_failed")
	}
}

// claimClients makes w the controller of every open client.
func (r *Registration) claimClients(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != w {
		return
	}
	for id := range r.clients {
		r.clients[id] = w
	}
}

// OpenClient registers a newly loaded page. It is controlled by the active
// worker, if any.
func (r *Registration) OpenClient() string {
	id := uuid.NewString()
	r.mu.Lock()
	r.clients[id] = r.active
	r.mu.Unlock()
	return id
}

// CloseClient forgets a page. Closing the last page of the active worker lets
// a waiting worker take over.
func (r *Registration) CloseClient(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.clients[id]; !ok {
		r.mu.Unlock()
		return ErrUnknownClient
	}
	delete(r.clients, id)
	hasWaiting := r.waiting != nil
	r.mu.Unlock()

	if !hasWaiting {
		return nil
	}
	r.transition.Lock()
	defer r.transition.Unlock()
	return r.tryActivateLocked(ctx)
}

// Fetch routes req to the worker controlling clientID, or to the active
// worker for unknown clients (navigations).
func (r *Registration) Fetch(ctx context.Context, clientID string, req *http.Request) (*http.Response, Worker, error) {
	r.mu.Lock()
	w, known := r.clients[clientID]
	if !known || w == nil {
		w = r.active
	}
	r.mu.Unlock()
	if w == nil {
		return nil, nil, ErrNoController
	}
	resp, err := w.HandleFetch(req.WithContext(ctx))
	return resp, w, err
}

// PostMessage delivers data to the worker in the target slot. The default
// target is the waiting worker, falling back to the active one.
func (r *Registration) PostMessage(ctx context.Context, target Target, data []byte) error {
	r.mu.Lock()
	var w Worker
	switch target {
	case TargetInstalling:
		w = r.installing
	case TargetWaiting:
		w = r.waiting
	case TargetActive:
		w = r.active
	default:
		w = r.waiting
		if w == nil {
			w = r.active
		}
	}
	r.mu.Unlock()
	if w == nil {
		return ErrNoWorker
	}
	w.ReceiveMessage(ctx, data)
	return nil
}

// Status snapshots the three slots and the open client count.
func (r *Registration) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	describe := func(w Worker) *WorkerStatus {
		if w == nil {
			return nil
		}
		return &WorkerStatus{
			ID:      w.ID().String(),
			State:   string(w.State()),
			Clients: r.controlledByLocked(w),
		}
	}
	return Status{
		Installing: describe(r.installing),
		Waiting:    describe(r.waiting),
		Active:     describe(r.active),
		Clients:    len(r.clients),
	}
}

// Active returns the controlling worker, or nil.
func (r *Registration) Active() Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// workerHost is the agent.Host handed to one worker.
type workerHost struct {
	reg    *Registration
	worker Worker
}

func (h *workerHost) SkipWaiting(ctx context.Context) {
	h.reg.skipWaiting(ctx, h.worker)
}

func (h *workerHost) ClaimClients(ctx context.Context) {
	h.reg.claimClients(h.worker)
}
