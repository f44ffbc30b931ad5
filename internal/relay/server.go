package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	apperrors "github.com/brandon/mailsync/internal/errors"
	"github.com/brandon/mailsync/pkg/types"
)

// Pinger reports whether the backing store is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// AccountLookup resolves account ids for subscription checks
type AccountLookup interface {
	GetAccount(ctx context.Context, id int64) (*types.Account, error)
}

// ServerConfig holds the relay server's dependencies
type ServerConfig struct {
	Hub      *Hub
	DB       Pinger
	Accounts AccountLookup
	Logger   *logrus.Logger

	// Principal is the identity websocket clients act as
	Principal string

	// AllowedOrigins restricts browser origins; empty allows any origin
	AllowedOrigins []string
}

// Server exposes the hub over HTTP
type Server struct {
	echo      *echo.Echo
	hub       *Hub
	db        Pinger
	accounts  AccountLookup
	principal string
	upgrader  websocket.Upgrader
	logger    *logrus.Logger
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// NewServer builds the relay's echo router
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		echo:      echo.New(),
		hub:       cfg.Hub,
		db:        cfg.DB,
		accounts:  cfg.Accounts,
		principal: cfg.Principal,
		upgrader:  newUpgrader(cfg.AllowedOrigins, cfg.Logger),
		logger:    cfg.Logger,
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(requestLogger(cfg.Logger))

	s.echo.GET("/healthz", s.health)
	s.echo.GET("/ws", s.serveWS)
	return s
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.logger.WithField("addr", addr).Info("Event relay listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	services := map[string]string{"database": "healthy"}
	status := "healthy"
	code := http.StatusOK

	if err := s.db.PingContext(c.Request().Context()); err != nil {
		services["database"] = "unhealthy"
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, HealthResponse{Status: status, Services: services})
}

func (s *Server) serveWS(c echo.Context) error {
	var accountID int64
	if raw := c.QueryParam("account_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "account_id must be a positive integer")
		}
		if err := s.checkAccess(c.Request().Context(), id); err != nil {
			return echo.NewHTTPError(statusFor(err), err.Error())
		}
		accountID = id
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		return nil
	}

	client := NewClient(s.hub, conn, func(id int64) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.checkAccess(ctx, id)
	}, s.logger)

	s.hub.Register(client)
	if accountID > 0 {
		s.hub.Subscribe(client, accountID)
	}

	go client.WritePump()
	go client.ReadPump()
	return nil
}

func (s *Server) checkAccess(ctx context.Context, accountID int64) error {
	if s.principal != "" {
		ctx = types.WithPrincipal(ctx, s.principal)
	}
	acc, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !acc.CanAccess(ctx) {
		return apperrors.ErrForbidden
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func newUpgrader(allowedOrigins []string, logger *logrus.Logger) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin != "" {
			allowed[origin] = true
		}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 || allowed[origin] {
				return true
			}
			logger.WithFields(logrus.Fields{
				"origin":    origin,
				"remote_ip": r.RemoteAddr,
			}).Warn("Rejected websocket connection")
			return false
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

func requestLogger(logger *logrus.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.WithFields(logrus.Fields{
				"method":    c.Request().Method,
				"path":      c.Request().URL.Path,
				"status":    c.Response().Status,
				"latency":   time.Since(start).String(),
				"remote_ip": c.RealIP(),
			}).Debug("Relay request")
			return err
		}
	}
}
