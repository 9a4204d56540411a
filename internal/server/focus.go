// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"image"
	"io"
	"math"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/neurolearn/focusnet/internal/log"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/neurolearn/focusnet/pkg/focusnet/classifier"
	"github.com/pkg/errors"
)

const (
	msgNoImage        = "No image provided"
	msgModelNotLoaded = "Model not loaded"
)

var errNoImage = errors.New("no image provided")

// CheckRequest is the JSON body of a focus check.
type CheckRequest struct {
	// Image is base64 encoded, optionally as a data URL.
	Image string `json:"image"`
}

// CheckResponse is the result of a focus check. Probabilities are rounded to 3 decimals.
type CheckResponse struct {
	Prediction     string  `json:"prediction"`
	Confidence     float64 `json:"confidence"`
	FocusedProb    float64 `json:"focused_prob"`
	DistractedProb float64 `json:"distracted_prob"`
}

func round3(value float32) float64 {
	return math.Round(float64(value)*1000) / 1000
}

func newCheckResponse(p classifier.Prediction) CheckResponse {
	return CheckResponse{
		Prediction:     p.Class.Label(),
		Confidence:     round3(p.Confidence),
		FocusedProb:    round3(p.FocusedProb()),
		DistractedProb: round3(p.DistractedProb()),
	}
}

type focusHandler struct {
	server *Server
}

func (h *focusHandler) Start(router fiber.Router) {
	router.Post("/check", h.Check)
	router.Get("/health", h.Health)
	router.Get("/model", h.ModelInfo)
	router.Get("/ws", h.upgrade, websocket.New(h.Stream))
}

// Check classifies one image, sent as JSON {"image": base64} or as the "image" file of a
// multipart form.
func (h *focusHandler) Check(c *fiber.Ctx) error {
	model := h.server.Model()
	if model == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": msgModelNotLoaded})
	}
	img, err := readImage(c)
	if errors.Is(err, errNoImage) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msgNoImage})
	}
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid image: " + err.Error()})
	}
	prediction, err := model.Predict(img)
	if err != nil {
		log.WithContext(c.UserContext()).WithError(err).Error("Focus check failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(newCheckResponse(prediction))
}

// readImage returns errNoImage if the request has no image.
func readImage(c *fiber.Ctx) (image.Image, error) {
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		header, err := c.FormFile("image")
		if err != nil {
			return nil, errNoImage
		}
		file, err := header.Open()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read uploaded file")
		}
		defer func() { _ = file.Close() }()
		raw, err := io.ReadAll(file)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read uploaded file")
		}
		return fer.DecodeImage(raw)
	}

	var req CheckRequest
	if len(c.Body()) == 0 {
		return nil, errNoImage
	}
	if err := c.BodyParser(&req); err != nil {
		return nil, errNoImage
	}
	if req.Image == "" {
		return nil, errNoImage
	}
	return fer.DecodeBase64Image(req.Image)
}

// Health reports whether the server is up and the model loaded.
func (h *focusHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":       "ok",
		"model_loaded": h.server.Model() != nil,
	})
}

// ModelInfo returns the metadata of the model served.
func (h *focusHandler) ModelInfo(c *fiber.Ctx) error {
	model := h.server.Model()
	if model == nil {
		return c.JSON(fiber.Map{"model_loaded": false})
	}
	return c.JSON(fiber.Map{
		"model_loaded": true,
		"classes":      fer.ClassNames,
		"metadata":     model.Metadata(),
	})
}

// upgrade only lets websocket requests through, carrying the optional session token.
func (h *focusHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if h.server.Model() == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": msgModelNotLoaded})
	}
	c.Locals(userIDKey, "")
	if token := c.Query("token"); token != "" {
		userID, err := h.server.middleware.verifyToken(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Token is not valid"})
		}
		c.Locals(userIDKey, userID)
	}
	return c.Next()
}
