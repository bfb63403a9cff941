package routes

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/eplnewshub/newshub-edge/internal/engine"
	"github.com/eplnewshub/newshub-edge/internal/version"
)

// CacheAdmin 是诊断接口依赖的引擎能力。
type CacheAdmin interface {
	Status() engine.Status
	Namespaces(ctx context.Context) ([]engine.NamespaceInfo, error)
	Clear(ctx context.Context) ([]string, error)
}

// DiagnosticsOptions 汇总 /-/ 诊断接口的依赖，Metrics 为空时不挂载 /-/metrics。
// AllowClear 为 false 时不挂载 POST /-/caches/clear，请求会落到 404。
type DiagnosticsOptions struct {
	Engine     CacheAdmin
	Metrics    http.Handler
	Logger     *logrus.Logger
	AllowClear bool
}

// RegisterDiagnostics 暴露 /-/status、/-/caches、/-/metrics 以及可选的 /-/caches/clear，
// 对应运维侧查询版本、列出与清空缓存的需求。
func RegisterDiagnostics(opts DiagnosticsOptions) func(fiber.Router) {
	return func(r fiber.Router) {
		if opts.Engine == nil {
			return
		}

		r.Get("/-/status", func(c fiber.Ctx) error {
			return c.JSON(statusPayload{
				Status:  opts.Engine.Status(),
				Version: version.Version,
				Build:   version.Full(),
			})
		})

		r.Get("/-/caches", func(c fiber.Ctx) error {
			infos, err := opts.Engine.Namespaces(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
			}
			if infos == nil {
				infos = []engine.NamespaceInfo{}
			}
			return c.JSON(fiber.Map{"caches": infos})
		})

		if opts.AllowClear {
			r.Post("/-/caches/clear", clearCaches(opts.Engine, opts.Logger))
		}

		if opts.Metrics != nil {
			r.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
		}
	}
}

func clearCaches(admin CacheAdmin, logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		deleted, err := admin.Clear(c.Context())
		if err != nil {
			if logger != nil {
				logger.WithError(err).WithField("action", "clear_caches").Error("cache_clear_failed")
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_clear_failed"})
		}
		if deleted == nil {
			deleted = []string{}
		}
		if logger != nil {
			logger.WithField("action", "clear_caches").WithField("deleted", len(deleted)).Warn("caches_cleared_via_api")
		}
		return c.JSON(fiber.Map{"success": true, "deleted": deleted})
	}
}

type statusPayload struct {
	engine.Status
	Version string `json:"version"`
	Build   string `json:"build"`
}
