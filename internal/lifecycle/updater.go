package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/manifest"
)

// ManifestLoader returns the manifest currently published by the origin.
type ManifestLoader func(ctx context.Context) (*manifest.Manifest, error)

// WorkerFactory builds a fresh, parsed worker for m.
type WorkerFactory func(m *manifest.Manifest) (Worker, error)

// Updater re-reads the manifest and feeds new versions to the registration.
type Updater struct {
	reg      *Registration
	load     ManifestLoader
	build    WorkerFactory
	interval time.Duration
	logger   *logrus.Logger
}

// NewUpdater wires an updater. interval <= 0 checks only once, at startup.
func NewUpdater(reg *Registration, load ManifestLoader, build WorkerFactory, interval time.Duration, logger *logrus.Logger) *Updater {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Updater{
		reg:      reg,
		load:     load,
		build:    build,
		interval: interval,
		logger:   logger,
	}
}

// Check loads the manifest and installs it when its identifier is new.
// An unchanged identifier is not an error and does nothing.
func (u *Updater) Check(ctx context.Context) error {
	m, err := u.load(ctx)
	if err != nil {
		return err
	}
	if current := u.reg.Status(); sameVersion(current, m.Cache) {
		// 已安装但激活失败的版本在这里重试。
		return u.reg.TryActivate(ctx)
	}
	w, err := u.build(m)
	if err != nil {
		return err
	}
	return u.reg.Update(ctx, w)
}

func sameVersion(s Status, id manifest.Identifier) bool {
	if s.Active != nil && s.Active.ID == id.String() {
		return true
	}
	return s.Waiting != nil && s.Waiting.ID == id.String()
}

// Run checks once and then on every tick until ctx is done. Failures are
// logged; the next tick retries the whole install.
func (u *Updater) Run(ctx context.Context) {
	u.checkAndLog(ctx)
	if u.interval <= 0 {
		return
	}
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.checkAndLog(ctx)
		}
	}
}

func (u *Updater) checkAndLog(ctx context.Context) {
	if err := u.Check(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		u.logger.WithError(err).WithField("action", "update").Error("update_failed")
	}
}
