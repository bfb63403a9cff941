package routes

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
)

// corsHandler 为单个 API 路由附加 CORS 头；只挂在具体路由上，
// 源站其他 /api/ 路径仍由代理转发。
func corsHandler(allowOrigin string, methods ...string) fiber.Handler {
	origins := []string{"*"}
	if allowOrigin = strings.TrimSpace(allowOrigin); allowOrigin != "" && allowOrigin != "*" {
		origins = strings.Split(allowOrigin, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: append(methods, fiber.MethodOptions),
		AllowHeaders: []string{fiber.HeaderContentType, fiber.HeaderAuthorization},
	})
}

// preflight 兜底处理非标准的 OPTIONS 请求（缺少 Access-Control-Request-Method）。
func preflight(c fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
