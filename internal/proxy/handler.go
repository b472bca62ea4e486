package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/agent"
	"github.com/offcache/offcache/internal/lifecycle"
	"github.com/offcache/offcache/internal/logging"
	"github.com/offcache/offcache/internal/server"
	"github.com/offcache/offcache/internal/upstream"
)

const (
	// ClientHeader carries the page (client) id issued by POST /-/clients.
	ClientHeader = "X-Offcache-Client"
	// ControllerHeader names the agent version that handled the request.
	ControllerHeader = "X-Offcache-Controller"
	// SourcePassthrough marks requests that bypassed the agent entirely.
	SourcePassthrough = "passthrough"
)

// Controller routes a page request to the agent version in control of it;
// *lifecycle.Registration satisfies it.
type Controller interface {
	Fetch(ctx context.Context, clientID string, req *http.Request) (*http.Response, lifecycle.Worker, error)
}

// Handler 把页面请求改写为源站请求：GET 交给控制当前页面的 agent（缓存优先），
// 其余方法或无 agent 控制时直接透传到网络。
type Handler struct {
	client     *http.Client
	logger     *logrus.Logger
	controller Controller
	origin     *upstream.Origin
}

// NewHandler constructs a proxy handler with shared HTTP client/logger.
func NewHandler(client *http.Client, logger *logrus.Logger, controller Controller, origin *upstream.Origin) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		client:     client,
		logger:     logger,
		controller: controller,
		origin:     origin,
	}
}

// Handle implements server.ProxyHandler.
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	clientID := c.Get(ClientHeader)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	uri := c.Request().URI()
	req, err := h.origin.Rebase(ctx, c.Method(), string(uri.Path()), string(uri.QueryString()),
		fiberHeadersAsHTTP(c), bytesReader(c.Body()))
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	var (
		resp       *http.Response
		controller string
		source     = SourcePassthrough
	)
	if req.Method == http.MethodGet && h.controller != nil {
		var worker lifecycle.Worker
		resp, worker, err = h.controller.Fetch(ctx, clientID, req)
		switch {
		case err == nil:
			controller = worker.ID().String()
			source = resp.Header.Get(agent.SourceHeader)
		case errors.Is(err, agent.ErrNotHandled), errors.Is(err, lifecycle.ErrNoController):
			resp = nil
		default:
			if worker != nil {
				controller = worker.ID().String()
			}
			h.logResult(req, controller, clientID, requestID, 0, source, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
	}

	if resp == nil {
		resp, err = h.client.Do(req)
		if err != nil {
			h.logResult(req, controller, clientID, requestID, 0, source, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
	}
	defer resp.Body.Close()

	return h.stream(c, req, resp, controller, clientID, requestID, source, started)
}

func (h *Handler) stream(
	c fiber.Ctx,
	req *http.Request,
	resp *http.Response,
	controller string,
	clientID string,
	requestID string,
	source string,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(agent.SourceHeader, source)
	if controller != "" {
		c.Set(ControllerHeader, controller)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(req, controller, clientID, requestID, resp.StatusCode, source, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req, controller, clientID, requestID, resp.StatusCode, source, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "proxy stream failed: "+err.Error())
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *http.Request,
	controller string,
	clientID string,
	requestID string,
	status int,
	source string,
	started time.Time,
	err error,
) {
	fields := logging.FetchFields(controller, clientID, req.Method, req.URL.String())
	fields["action"] = "proxy"
	fields["source"] = source
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del(ClientHeader)
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
