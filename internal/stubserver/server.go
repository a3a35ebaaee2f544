// Package stubserver serves the application's auth endpoints over an in-memory
// fake backend. It backs the HTTP client tests and cmd/authstub.
package stubserver

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/chimerakang/authkit-go/backend"
	"github.com/chimerakang/authkit-go/fake"
	"github.com/chimerakang/authkit-go/middleware/ginmw"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wires gin routes to a fake.Backend.
type Server struct {
	backend  *fake.Backend
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	paths    backend.Endpoints
	engine   *gin.Engine
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets a structured logger for request logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer exposes g on /metrics. Default: prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithEndpoints serves the auth routes on custom paths.
func WithEndpoints(e backend.Endpoints) Option {
	return func(s *Server) { s.paths = e }
}

// New builds the router.
func New(b *fake.Backend, opts ...Option) *Server {
	s := &Server{
		backend:  b,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		paths:    backend.DefaultEndpoints(),
	}
	for _, o := range opts {
		o(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	r.POST(s.paths.Login, s.login)
	r.POST(s.paths.Register, s.register)
	r.POST(s.paths.Refresh, s.refresh)
	r.POST(s.paths.Exchange, s.exchange)

	authed := r.Group("/", ginmw.Auth(b))
	authed.POST(s.paths.Logout, s.logout)
	authed.GET("/api/auth/me/", s.me)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http_request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("request_id", c.GetHeader(backend.RequestIDHeader)),
			slog.Duration("took", time.Since(start)),
		)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type convertRequest struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatar_url"`
	Provider    string `json:"provider"`
	AccessToken string `json:"access_token"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Malformed request body."})
		return
	}
	identifier := req.Username
	if identifier == "" {
		identifier = req.Email
	}

	pair, id, err := s.backend.Login(c.Request.Context(), authkit.Credentials{Identifier: identifier, Secret: req.Password})
	if err != nil {
		s.fail(c, err)
		return
	}
	// Django REST style payload.
	c.JSON(http.StatusOK, gin.H{
		"access":  pair.AccessToken,
		"refresh": pair.RefreshToken,
		"user": gin.H{
			"pk":           id.ID,
			"username":     id.Username,
			"email":        id.Email,
			"display_name": id.DisplayName,
			"avatar":       id.AvatarURL,
			"is_staff":     id.IsModerator,
		},
	})
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Malformed request body."})
		return
	}

	pair, id, err := s.backend.Register(c.Request.Context(), authkit.Registration{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"user": gin.H{
			"id":           id.ID,
			"username":     id.Username,
			"email":        id.Email,
			"display_name": id.DisplayName,
			"is_moderator": id.IsModerator,
		},
	})
}

func (s *Server) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Refresh == "" {
		c.JSON(http.StatusBadRequest, gin.H{"refresh": []string{"This field is required."}})
		return
	}

	pair, err := s.backend.Refresh(c.Request.Context(), req.Refresh)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := gin.H{"access": pair.AccessToken}
	if pair.RefreshToken != "" {
		out["refresh"] = pair.RefreshToken
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) exchange(c *gin.Context) {
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Malformed request body."})
		return
	}

	pair, id, err := s.backend.ExchangeThirdPartySession(c.Request.Context(), authkit.Assertion{
		Email:               req.Email,
		DisplayName:         req.Name,
		AvatarURL:           req.AvatarURL,
		Provider:            req.Provider,
		ProviderAccessToken: req.AccessToken,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tokens": gin.H{
			"accessToken":  pair.AccessToken,
			"refreshToken": pair.RefreshToken,
		},
		"user": gin.H{
			"id":          id.ID,
			"username":    id.Username,
			"email":       id.Email,
			"displayName": id.DisplayName,
			"avatarUrl":   id.AvatarURL,
			"isModerator": id.IsModerator,
		},
	})
}

func (s *Server) logout(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)

	pair := authkit.TokenPair{AccessToken: ginmw.GetToken(c), RefreshToken: req.Refresh}
	if err := s.backend.Logout(c.Request.Context(), pair); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusResetContent)
}

func (s *Server) me(c *gin.Context) {
	claims := ginmw.GetClaims(c)
	c.JSON(http.StatusOK, gin.H{"id": claims.Subject, "email": claims.Email})
}

// fail maps authkit errors to the status codes a Django REST backend uses.
func (s *Server) fail(c *gin.Context, err error) {
	body := gin.H{"detail": err.Error()}
	var ae *authkit.Error
	if errors.As(err, &ae) {
		body["detail"] = ae.Detail
		for k, v := range ae.Fields {
			body[k] = v
		}
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, authkit.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, authkit.ErrValidation):
		status = http.StatusBadRequest
		if ae != nil && len(ae.Fields) > 0 && ae.Detail == "" {
			delete(body, "detail")
		}
	case errors.Is(err, authkit.ErrRefreshRejected):
		status = http.StatusUnauthorized
		body["code"] = "token_not_valid"
	case errors.Is(err, authkit.ErrExchangeRejected):
		status = http.StatusNotFound
	case errors.Is(err, authkit.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, authkit.ErrNetwork):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("stub_handler_failed", slog.String("path", c.Request.URL.Path), slog.String("err", err.Error()))
	}
	c.JSON(status, body)
}
