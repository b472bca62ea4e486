package routes

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/lifecycle"
	"github.com/offcache/offcache/internal/server"
)

// Checker triggers an update check; *lifecycle.Updater satisfies it.
type Checker interface {
	Check(ctx context.Context) error
}

// Deps are the components the control routes talk to.
type Deps struct {
	Registration *lifecycle.Registration
	Updater      Checker
	Storage      cache.Storage
	Logger       *logrus.Logger
}

// RegisterAgentRoutes 暴露 /-/ 下的控制与诊断接口：注册表快照、消息通道、
// 手动更新、客户端开关以及现存缓存列表。
func RegisterAgentRoutes(app *fiber.App, deps Deps) {
	if app == nil || deps.Registration == nil {
		return
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reg := deps.Registration

	app.Get("/-/agent/status", func(c fiber.Ctx) error {
		return c.JSON(reg.Status())
	})

	app.Post("/-/agent/message", func(c fiber.Ctx) error {
		target, ok := parseTarget(c.Query("target"))
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_target"})
		}
		data := append([]byte(nil), c.Body()...)
		if err := reg.PostMessage(c.Context(), target, data); err != nil {
			if errors.Is(err, lifecycle.ErrNoWorker) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_worker"})
			}
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"delivered": true})
	})

	app.Post("/-/agent/update", func(c fiber.Ctx) error {
		if deps.Updater == nil {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "updater_unavailable"})
		}
		if err := deps.Updater.Check(c.Context()); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"action":     "update",
				"request_id": server.RequestID(c),
			}).Warn("manual_update_failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "update_failed",
				"detail": err.Error(),
			})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/-/clients", func(c fiber.Ctx) error {
		id := reg.OpenClient()
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
	})

	app.Delete("/-/clients/:id", func(c fiber.Ctx) error {
		err := reg.CloseClient(c.Context(), c.Params("id"))
		switch {
		case err == nil:
			return c.SendStatus(fiber.StatusNoContent)
		case errors.Is(err, lifecycle.ErrUnknownClient):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_client"})
		default:
			return err
		}
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		if deps.Storage == nil {
			return c.JSON(fiber.Map{"caches": []string{}})
		}
		names, err := deps.Storage.Names(c.Context())
		if err != nil {
			return err
		}
		if names == nil {
			names = []string{}
		}
		return c.JSON(fiber.Map{"caches": names})
	})
}

func parseTarget(raw string) (lifecycle.Target, bool) {
	switch target := lifecycle.Target(raw); target {
	case lifecycle.TargetDefault, lifecycle.TargetInstalling, lifecycle.TargetWaiting, lifecycle.TargetActive:
		return target, true
	default:
		return "", false
	}
}
