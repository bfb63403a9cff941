package routes

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultFPLEndpoint = "bootstrap-static"
	fplCacheControl    = "public, max-age=300"
	fplUserAgent       = "EPL News Hub FPL Tools"
)

// FPLOptions 描述 FPL 代理的依赖。
type FPLOptions struct {
	Client      *http.Client
	BaseURL     string
	AllowOrigin string
	Logger      *logrus.Logger
}

// RegisterFPLProxy 暴露 GET /api/fpl-proxy?endpoint=<name>，
// 转发到 <BaseURL>/<endpoint>/ 并允许浏览器跨域读取。
func RegisterFPLProxy(opts FPLOptions) func(fiber.Router) {
	return func(r fiber.Router) {
		if opts.Client == nil || opts.BaseURL == "" {
			return
		}
		base := strings.TrimSuffix(opts.BaseURL, "/")
		allow := corsHandler(opts.AllowOrigin, fiber.MethodGet)

		r.Options("/api/fpl-proxy", allow, preflight)
		r.Get("/api/fpl-proxy", allow, func(c fiber.Ctx) error {
			endpoint := strings.Trim(c.Query("endpoint", defaultFPLEndpoint), "/")
			if endpoint == "" {
				endpoint = defaultFPLEndpoint
			}
			if strings.Contains(endpoint, "..") || strings.Contains(endpoint, "://") {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid endpoint"})
			}

			target := fmt.Sprintf("%s/%s/", base, endpoint)
			payload, err := fetchFPL(c, opts.Client, target)
			if err != nil {
				if opts.Logger != nil {
					opts.Logger.WithFields(logrus.Fields{
						"action":   "fpl_proxy",
						"upstream": target,
					}).WithError(err).Warn("fpl_fetch_failed")
				}
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error":   "Failed to fetch FPL data",
					"message": err.Error(),
				})
			}

			c.Set(fiber.HeaderCacheControl, fplCacheControl)
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Send(payload)
		})
	}
}

func fetchFPL(c fiber.Ctx, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(c.Context(), http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", fplUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("FPL API responded with %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("FPL API returned invalid JSON")
	}
	return payload, nil
}
