package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// InferenceOptions 描述推理代理的依赖，Token 以 Bearer 方式附加，不会下发给浏览器。
type InferenceOptions struct {
	Client      *http.Client
	BaseURL     string
	Token       string
	AllowOrigin string
	Logger      *logrus.Logger
}

type inferenceRequest struct {
	Model      string          `json:"model"`
	Inputs     json.RawMessage `json:"inputs"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type inferencePayload struct {
	Inputs     json.RawMessage `json:"inputs"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// RegisterInferenceProxy 暴露 POST /api/inference，把 {model, inputs, parameters}
// 转发到 <BaseURL>/models/<model> 并原样返回上游 JSON。
func RegisterInferenceProxy(opts InferenceOptions) func(fiber.Router) {
	return func(r fiber.Router) {
		if opts.Client == nil || opts.BaseURL == "" {
			return
		}
		base := strings.TrimSuffix(opts.BaseURL, "/")
		allow := corsHandler(opts.AllowOrigin, fiber.MethodPost)

		r.Options("/api/inference", allow, preflight)
		r.Post("/api/inference", allow, func(c fiber.Ctx) error {
			var in inferenceRequest
			if err := json.Unmarshal(c.Body(), &in); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid JSON body"})
			}
			in.Model = strings.Trim(strings.TrimSpace(in.Model), "/")
			if in.Model == "" || isEmptyJSON(in.Inputs) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Model and inputs are required"})
			}

			body, err := json.Marshal(inferencePayload{Inputs: in.Inputs, Parameters: in.Parameters})
			if err != nil {
				return err
			}
			target := base + "/models/" + escapeModel(in.Model)
			req, err := http.NewRequestWithContext(c.Context(), http.MethodPost, target, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if opts.Token != "" {
				req.Header.Set("Authorization", "Bearer "+opts.Token)
			}

			resp, err := opts.Client.Do(req)
			if err != nil {
				if opts.Logger != nil {
					opts.Logger.WithFields(logrus.Fields{
						"action": "inference_proxy",
						"model":  in.Model,
					}).WithError(err).Warn("inference_failed")
				}
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
					"error":   "Inference request failed",
					"message": err.Error(),
				})
			}
			defer resp.Body.Close()

			payload, err := io.ReadAll(resp.Body)
			if err != nil {
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
					"error":   "Inference request failed",
					"message": err.Error(),
				})
			}
			contentType := resp.Header.Get("Content-Type")
			if contentType == "" {
				contentType = fiber.MIMEApplicationJSON
			}
			c.Set(fiber.HeaderContentType, contentType)
			return c.Status(resp.StatusCode).Send(payload)
		})
	}
}

// escapeModel 逐段转义模型名，保留 "org/model" 中的斜杠。
func escapeModel(model string) string {
	parts := strings.Split(model, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == `""`
}
