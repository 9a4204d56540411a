// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

// Package server implements the focus HTTP server: focus checks of single images and of
// websocket streams of frames, and the focus sessions API.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jsoniter "github.com/json-iterator/go"
	"github.com/neurolearn/focusnet/internal/log"
	"github.com/neurolearn/focusnet/pkg/focusnet"
	"github.com/neurolearn/focusnet/pkg/focusnet/classifier"
	"github.com/neurolearn/focusnet/pkg/sessions"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Model served by the server, implemented by classifier.Classifier.
type Model interface {
	classifier.Predictor

	// Metadata of the exported model, or nil if unknown.
	Metadata() *focusnet.Metadata
}

var _ Model = (*classifier.Classifier)(nil)

type ServerOption func(*Server) error

type Server struct {
	engine     *fiber.App
	cfg        Config
	log        *logrus.Logger
	validator  *validator.Validate
	middleware *middleware

	modelMu sync.RWMutex
	model   Model

	sessions *sessions.Service
	closers  []func() error
	handlers []handler
}

type handler interface {
	Start(router fiber.Router)
}

// NewFiber creates the fiber app with JSON errors and jsoniter as the JSON codec.
func NewFiber(cfg Config) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               "Focusnet",
		BodyLimit:             16 * 1024 * 1024,
		CaseSensitive:         true,
		DisableStartupMessage: cfg.Env == "test",
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				code = fiberErr.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
}

// NewValidator for request bodies.
func NewValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// NewServer creates a server configured by options. Configuration, logger, validator and fiber app
// take defaults if not given.
func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{cfg: DefaultConfig()}
	for _, option := range options {
		if err := option(server); err != nil {
			return nil, errors.Wrap(err, "failed to apply option")
		}
	}
	if server.log == nil {
		server.log = log.NewLogger(log.Options{Level: server.cfg.LogLevel, File: server.cfg.LogFile})
	}
	if server.validator == nil {
		server.validator = NewValidator()
	}
	if server.engine == nil {
		server.engine = NewFiber(server.cfg)
	}
	server.middleware = newMiddleware(server.log, server.cfg)
	return server, nil
}

// WithConfig sets the configuration. It must come before the options that use it.
func WithConfig(cfg Config) ServerOption {
	return func(s *Server) error {
		s.cfg = cfg
		return nil
	}
}

func WithFiber(app *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = app
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithValidator(validate *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validate
		return nil
	}
}

// WithModel serves the given model.
func WithModel(model Model) ServerOption {
	return func(s *Server) error {
		s.model = model
		return nil
	}
}

// WithModelDir loads the model from Config.ModelDir. Failing to load it is not an error: the
// server starts without a model, and the focus checks fail with "Model not loaded".
func WithModelDir() ServerOption {
	return func(s *Server) error {
		model, err := classifier.New(s.cfg.ModelDir)
		if err != nil {
			if s.log != nil {
				s.log.WithError(err).Errorf("Failed to load focus model from %q", s.cfg.ModelDir)
			}
			return nil
		}
		s.model = model
		return nil
	}
}

// WithSessions enables the sessions routes with the given service.
func WithSessions(service *sessions.Service) ServerOption {
	return func(s *Server) error {
		s.sessions = service
		return nil
	}
}

// WithDatabase enables the sessions routes stored in PostgreSQL at Config.DatabaseURL, with the
// active sessions cached in Redis if Config.RedisAddr is set. It does nothing if DatabaseURL is empty.
func WithDatabase(ctx context.Context) ServerOption {
	return func(s *Server) error {
		if s.cfg.DatabaseURL == "" {
			return nil
		}
		if s.log == nil {
			return errors.New("logger must be set before the database")
		}
		pg, err := sessions.OpenPostgres(ctx, s.cfg.DatabaseURL, s.log)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, pg.Close)
		var repo sessions.Repository = pg
		if s.cfg.RedisAddr != "" {
			client, err := sessions.ConnectRedis(ctx, s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB)
			if err != nil {
				s.log.WithError(err).Warn("Active sessions will not be cached")
			} else {
				s.closers = append(s.closers, client.Close)
				repo = sessions.NewCachedRepository(repo, sessions.NewRedisCache(client), 0)
			}
		}
		s.sessions = sessions.NewService(repo)
		return nil
	}
}

// Model served, or nil if none is loaded.
func (s *Server) Model() Model {
	s.modelMu.RLock()
	defer s.modelMu.RUnlock()
	return s.model
}

// SetModel replaces the model served, e.g. after exporting a new one.
func (s *Server) SetModel(model Model) {
	s.modelMu.Lock()
	defer s.modelMu.Unlock()
	s.model = model
}

// App returns the fiber app, for tests.
func (s *Server) App() *fiber.App { return s.engine }

// RegisterHandlers installs the middleware and the routes.
func (s *Server) RegisterHandlers() {
	s.engine.Use(recover.New())
	s.engine.Use(cors.New(cors.Config{AllowOrigins: s.cfg.AllowedOrigins}))
	s.engine.Use(s.middleware.RequestID)
	s.engine.Use(s.middleware.Logging)
	s.engine.Use(s.middleware.RateLimit)

	s.handlers = append(s.handlers, &focusHandler{server: s})
	if s.sessions != nil {
		s.handlers = append(s.handlers, &sessionsHandler{server: s, service: s.sessions})
	}
	router := s.engine.Group("/api/focus")
	for _, h := range s.handlers {
		h.Start(router)
	}
}

// Run listens on Config.Port until Shutdown is called.
func (s *Server) Run() error {
	s.log.WithFields(log.Fields{
		"port":         s.cfg.Port,
		"model_loaded": s.Model() != nil,
		"sessions":     s.sessions != nil,
	}).Info("Starting focus server")
	return s.engine.Listen(fmt.Sprintf(":%s", s.cfg.Port))
}

// Shutdown stops the server and closes its connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.engine.ShutdownWithContext(ctx)
	for _, closer := range s.closers {
		if closeErr := closer(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
