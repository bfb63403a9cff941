package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/eplnewshub/newshub-edge/internal/engine"
	"github.com/eplnewshub/newshub-edge/internal/logging"
	"github.com/eplnewshub/newshub-edge/internal/server"
	"github.com/eplnewshub/newshub-edge/internal/upstream"
)

// RequestHandler 是 Handler 依赖的引擎能力，*engine.Engine 满足该接口。
type RequestHandler interface {
	Handle(ctx context.Context, req *engine.Request) (*engine.Result, error)
}

// Handler 把 Fiber 请求翻译为引擎请求，并把引擎结果写回客户端。
// 目标地址默认是源站；Host 命中 BypassHosts 时改为该主机本身。
type Handler struct {
	engine RequestHandler
	origin *url.URL
	bypass map[string]struct{}
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the origin.
func NewHandler(eng RequestHandler, origin *url.URL, bypassHosts []string, logger *logrus.Logger) *Handler {
	bypass := make(map[string]struct{}, len(bypassHosts))
	for _, host := range bypassHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			bypass[host] = struct{}{}
		}
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{engine: eng, origin: origin, bypass: bypass, logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := h.buildRequest(c)

	result, err := h.engine.Handle(c.Context(), req)
	if err != nil {
		status, code := fiber.StatusBadGateway, "upstream_failed"
		if errors.Is(err, engine.ErrTotalMiss) {
			status, code = fiber.StatusGatewayTimeout, "offline"
		}
		h.logResult(req, nil, requestID, status, started, err)
		return h.writeError(c, status, code)
	}

	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Edge-Strategy", string(result.Strategy))
	if result.CacheHit() {
		c.Set("X-Edge-Cache", "HIT")
	} else {
		c.Set("X-Edge-Cache", "MISS")
	}
	c.Status(resp.Status)
	h.logResult(req, result, requestID, resp.Status, started, nil)

	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

// buildRequest 生成指向源站的绝对 URL，同时补充 X-Forwarded-* 头。
func (h *Handler) buildRequest(c fiber.Ctx) *engine.Request {
	target := *h.origin
	host := strings.ToLower(c.Hostname())
	if _, ok := h.bypass[hostOnly(host)]; ok {
		target = url.URL{Scheme: "https", Host: host}
	}
	target.Path = strings.TrimSuffix(target.Path, "/") + string(c.Request().URI().Path())
	target.RawPath = ""
	target.RawQuery = string(c.Request().URI().QueryString())

	header := http.Header{}
	upstream.CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Del(fiber.HeaderHost)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Scheme())

	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}

	return &engine.Request{
		Method: c.Method(),
		URL:    &target,
		Header: header,
		Body:   body,
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *engine.Request,
	result *engine.Result,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	strategy, source, hit := "", "", false
	if result != nil {
		strategy, source, hit = string(result.Strategy), string(result.Source), result.CacheHit()
	}
	fields := logging.RequestFields(req.Method, req.URL.Path, strategy, source, hit)
	fields["action"] = "proxy"
	fields["upstream"] = req.URL.Host
	fields["status"] = status
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

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func hostOnly(host string) string {
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
