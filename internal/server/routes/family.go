package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/eplnewshub/newshub-edge/internal/userstore"
)

// FamilyStore 是家庭共享接口依赖的名单能力，*userstore.Store 满足该接口。
type FamilyStore interface {
	Lookup(ctx context.Context, email string) (userstore.Access, error)
	Grant(ctx context.Context, email string) (userstore.Access, error)
}

// FamilyOptions 描述家庭共享接口的依赖。
type FamilyOptions struct {
	Store       FamilyStore
	AllowOrigin string
	Logger      *logrus.Logger
}

type familyResponse struct {
	Success   bool   `json:"success"`
	HasAccess bool   `json:"hasAccess"`
	GrantedAt any    `json:"grantedAt"`
	Message   string `json:"message,omitempty"`
}

// RegisterFamilyAccess 暴露 GET /api/family-access/:email 与 POST /api/family-access。
func RegisterFamilyAccess(opts FamilyOptions) func(fiber.Router) {
	return func(r fiber.Router) {
		if opts.Store == nil {
			return
		}
		allow := corsHandler(opts.AllowOrigin, fiber.MethodGet, fiber.MethodPost)

		r.Options("/api/family-access", allow, preflight)
		r.Options("/api/family-access/:email", allow, preflight)

		r.Get("/api/family-access/:email", allow, func(c fiber.Ctx) error {
			email, err := url.PathUnescape(c.Params("email"))
			if err != nil {
				return invalidEmail(c)
			}
			access, err := opts.Store.Lookup(c.Context(), email)
			return respondFamily(c, opts.Logger, "family_lookup", access, err,
				"An error occurred while checking access")
		})

		r.Post("/api/family-access", allow, func(c fiber.Ctx) error {
			var in struct {
				Email string `json:"email"`
			}
			if err := json.Unmarshal(c.Body(), &in); err != nil {
				return invalidEmail(c)
			}
			access, err := opts.Store.Grant(c.Context(), in.Email)
			return respondFamily(c, opts.Logger, "family_grant", access, err,
				"An error occurred while granting access")
		})
	}
}

func respondFamily(c fiber.Ctx, logger *logrus.Logger, action string, access userstore.Access, err error, failure string) error {
	if errors.Is(err, userstore.ErrInvalidEmail) {
		return invalidEmail(c)
	}
	if err != nil {
		if logger != nil {
			logger.WithField("action", action).WithError(err).Error("family_access_failed")
		}
		return c.Status(fiber.StatusInternalServerError).JSON(familyResponse{Message: failure})
	}

	resp := familyResponse{Success: true, HasAccess: access.HasAccess}
	if access.GrantedAt != "" {
		resp.GrantedAt = access.GrantedAt
	}
	return c.JSON(resp)
}

func invalidEmail(c fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(familyResponse{
		Message: "Please provide a valid email address",
	})
}
