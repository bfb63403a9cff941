package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for answering site
// requests through the cache engine. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// RouteRegistrar mounts local endpoints (diagnostics, API helpers) ahead of
// the catch-all proxy route.
type RouteRegistrar func(fiber.Router)

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	ListenPort int
	BodyLimit  int
	Routes     []RouteRegistrar
}

const contextKeyRequestID = "_newshub_request_id"

// NewApp builds a Fiber application with request-id middleware, local routes
// and a catch-all that hands every other request to the proxy.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	cfg := fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	}
	if opts.BodyLimit > 0 {
		cfg.BodyLimit = opts.BodyLimit
	}
	app := fiber.New(cfg)

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	for _, register := range opts.Routes {
		if register != nil {
			register(app)
		}
	}

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// errorHandler 把未处理的错误统一渲染为 JSON，并记录日志。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := "internal_error"
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
			code = strings.ToLower(strings.ReplaceAll(fiberErr.Message, " ", "_"))
		}
		logger.WithFields(logrus.Fields{
			"action":     "http_error",
			"path":       c.Path(),
			"status":     status,
			"request_id": RequestID(c),
		}).Warn(err.Error())
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
