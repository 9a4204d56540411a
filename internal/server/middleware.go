// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/neurolearn/focusnet/internal/log"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// RequestIDHeader is read from requests, if present, and set in every response.
	RequestIDHeader = "X-Request-ID"

	// userIDKey is the fiber.Ctx local holding the authenticated user id.
	userIDKey = "userId"

	// UserIDClaim is the JWT claim identifying the user.
	UserIDClaim = "userId"
)

type middleware struct {
	log       *logrus.Logger
	limiter   *rateLimiter
	jwtSecret []byte
}

func newMiddleware(logger *logrus.Logger, cfg Config) *middleware {
	m := &middleware{log: logger, jwtSecret: []byte(cfg.JWTSecret)}
	if cfg.RateLimit > 0 {
		m.limiter = newRateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return m
}

var ulidEntropy = struct {
	sync.Mutex
	*ulid.MonotonicEntropy
}{MonotonicEntropy: ulid.Monotonic(rand.Reader, 0)}

func newRequestID(t time.Time) string {
	ulidEntropy.Lock()
	defer ulidEntropy.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), ulidEntropy.MonotonicEntropy)
	if err != nil {
		return "unknown"
	}
	return id.String()
}

// RequestID assigns a ULID to every request, unless the client sent one.
func (m *middleware) RequestID(c *fiber.Ctx) error {
	requestID := c.Get(RequestIDHeader)
	if requestID == "" {
		requestID = newRequestID(time.Now())
	}
	c.Locals(RequestIDHeader, requestID)
	c.Set(RequestIDHeader, requestID)
	c.SetUserContext(log.ContextWithRequestID(c.UserContext(), requestID))
	return c.Next()
}

// GetRequestID of the request, or "unknown".
func GetRequestID(c *fiber.Ctx) string {
	requestID, ok := c.Locals(RequestIDHeader).(string)
	if !ok || requestID == "" {
		return "unknown"
	}
	return requestID
}

// Logging logs one line per request. Bodies are not logged: they are mostly images.
func (m *middleware) Logging(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	if err != nil {
		// Let the error handler set the status before logging it.
		if handlerErr := c.App().ErrorHandler(c, err); handlerErr != nil {
			_ = c.SendStatus(fiber.StatusInternalServerError)
		}
		err = nil
	}

	status := c.Response().StatusCode()
	fields := log.Fields{
		log.RequestIDKey: GetRequestID(c),
		"method":         c.Method(),
		"path":           c.Path(),
		"status":         status,
		"latency_ms":     time.Since(start).Milliseconds(),
		"ip":             c.IP(),
		"user_agent":     c.Get(fiber.HeaderUserAgent),
		"request_size":   len(c.Request().Body()),
		"response_size":  len(c.Response().Body()),
	}
	entry := m.log.WithFields(fields)
	switch {
	case status >= 500:
		entry.Error("Server error")
	case status >= 400:
		entry.Warn("Client error")
	default:
		entry.Info("Success")
	}
	return err
}

// limiterIdleTTL is how long the limiter of an idle client is kept. A client idle for longer has
// refilled its bucket anyway.
const limiterIdleTTL = 3 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP, evicting the idle ones.
type rateLimiter struct {
	mu        sync.Mutex
	bucket    map[string]*clientLimiter
	rate      rate.Limit
	burstSize int
	now       func() time.Time
	lastSweep time.Time
}

func newRateLimiter(reqRate rate.Limit, burstSize int) *rateLimiter {
	return &rateLimiter{
		bucket:    make(map[string]*clientLimiter),
		rate:      reqRate,
		burstSize: max(burstSize, 1),
		now:       time.Now,
	}
}

func (r *rateLimiter) limiterFor(ip string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if now.Sub(r.lastSweep) >= limiterIdleTTL {
		for key, client := range r.bucket {
			if now.Sub(client.lastSeen) >= limiterIdleTTL {
				delete(r.bucket, key)
			}
		}
		r.lastSweep = now
	}
	client, found := r.bucket[ip]
	if !found {
		client = &clientLimiter{limiter: rate.NewLimiter(r.rate, r.burstSize)}
		r.bucket[ip] = client
	}
	client.lastSeen = now
	return client.limiter
}

// RateLimit rejects clients exceeding the configured requests per second.
func (m *middleware) RateLimit(c *fiber.Ctx) error {
	if m.limiter == nil {
		return c.Next()
	}
	clientIP := c.IP()
	if !m.limiter.limiterFor(clientIP).Allow() {
		m.log.WithFields(log.Fields{
			log.RequestIDKey: GetRequestID(c),
			"ip":             clientIP,
		}).Warn("Too many requests")
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Too many requests"})
	}
	return c.Next()
}

// Token authenticates the request with a "Bearer" JWT carrying the UserIDClaim.
func (m *middleware) Token(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "No token, authorization denied"})
	}
	userID, err := m.verifyToken(strings.TrimSpace(token))
	if err != nil {
		m.log.WithFields(log.Fields{
			log.RequestIDKey: GetRequestID(c),
			"path":           c.Path(),
			"error":          err.Error(),
		}).Warn("Token verification failed")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Token is not valid"})
	}
	c.Locals(userIDKey, userID)
	return c.Next()
}

// verifyToken returns the user id of a valid token.
func (m *middleware) verifyToken(token string) (string, error) {
	if len(m.jwtSecret) == 0 {
		return "", errors.New("JWT secret not configured")
	}
	parsed, err := jwt.Parse(token, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	userID, ok := claims[UserIDClaim].(string)
	if !ok || userID == "" {
		return "", errors.Errorf("token is missing the %q claim", UserIDClaim)
	}
	return userID, nil
}

// UserID authenticated by the Token middleware, or "".
func UserID(c *fiber.Ctx) string {
	userID, _ := c.Locals(userIDKey).(string)
	return userID
}

// SignToken creates a token for userID, valid for ttl, accepted by the Token middleware.
func SignToken(secret, userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		UserIDClaim: userID,
		"exp":       time.Now().Add(ttl).Unix(),
		"iat":       time.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return token, nil
}
