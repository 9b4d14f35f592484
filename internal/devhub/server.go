// Package devhub is a local, in-memory server speaking both realtime channels
// and the identity endpoint, for running the SDK and CLI without the
// production backend.
package devhub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"

	unimart "github.com/unimart/sdk/golang"
)

const localsIdentity = "identity"

// Server wires the market, the hub and the HTTP routes together.
type Server struct {
	cfg    Config
	market *Market
	hub    *Hub
	hooks  *Forwarder
	app    *fiber.App
	log    *slog.Logger
}

// NewServer builds a server. rdb may be nil.
func NewServer(cfg Config, rdb *redis.Client, log *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		market: NewMarket(),
		hub:    NewHub(rdb, log),
		hooks:  NewForwarder(cfg.WebhookURL, cfg.WebhookSecret, log),
		log:    log,
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.routes()
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Market exposes the authoritative state.
func (s *Server) Market() *Market { return s.market }

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()
	s.log.Info("dev hub listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		s.log.Info("dev hub shutting down")
		return s.app.ShutdownWithTimeout(5 * time.Second)
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() {
	s.app.Use(recover.New())

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	s.app.Post("/api/dev/tokens", s.mintToken)

	api := s.app.Group("/api", s.requireAuth)
	api.Get("/users/me", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"user": identityOf(c)})
	})
	api.Post("/requests", s.createRequest)
	api.Get("/requests/:id/offers", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"offers": s.market.Offers(c.Params("id"))})
	})
	api.Post("/requests/:id/offers", s.createOffer)

	// Sockets authenticate with the token query parameter.
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		id, err := s.identify(c.Query("token"))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		c.Locals(localsIdentity, id)
		return c.Next()
	})
	s.app.Get("/ws/requests", websocket.New(s.serveSocket(unimart.ChannelRequests)))
	s.app.Get("/ws/messaging", websocket.New(s.serveSocket(unimart.ChannelMessaging)))
}

// ============================================================================
// Auth
// ============================================================================

func (s *Server) identify(token string) (unimart.Identity, error) {
	claims, err := unimart.VerifyToken(s.cfg.JWTSecret, token)
	if err != nil {
		return unimart.Identity{}, err
	}
	id := claims.Identity()
	if id.UserID == "" {
		return unimart.Identity{}, unimart.ErrNoIdentity
	}
	if id.Role == "" {
		id.Role = unimart.RoleStudent
	}
	s.market.Register(id)
	return id, nil
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}
	id, err := s.identify(token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	c.Locals(localsIdentity, id)
	return c.Next()
}

func identityOf(c *fiber.Ctx) unimart.Identity {
	id, _ := c.Locals(localsIdentity).(unimart.Identity)
	return id
}

// ============================================================================
// HTTP handlers
// ============================================================================

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name"`
}

func (s *Server) mintToken(c *fiber.Ctx) error {
	var body tokenRequest
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if body.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "user_id is required")
	}
	role := unimart.Role(strings.ToLower(body.Role))
	if role != unimart.RoleMerchant {
		role = unimart.RoleStudent
	}
	tok, err := unimart.SignToken(s.cfg.JWTSecret, body.UserID, role, body.Name, s.cfg.TokenTTL)
	if err != nil {
		return err
	}
	s.market.Register(unimart.Identity{UserID: body.UserID, Role: role, Name: body.Name})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"token": tok})
}

type createRequestBody struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

func (s *Server) createRequest(c *fiber.Ctx) error {
	var body createRequestBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	req, ds, err := s.market.CreateRequest(identityOf(c).UserID, body.Title, body.Description, body.Category)
	if err != nil {
		return err
	}
	s.deliver(c.UserContext(), ds)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"request": req})
}

type createOfferBody struct {
	Price   float64 `json:"price"`
	Message string  `json:"message"`
}

func (s *Server) createOffer(c *fiber.Ctx) error {
	var body createOfferBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	offer, ds, err := s.market.CreateOffer(identityOf(c).UserID, c.Params("id"), body.Price, body.Message)
	if err != nil {
		return err
	}
	s.deliver(c.UserContext(), ds)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"offer": offer})
}

// errorHandler answers in the {code, message} shape the SDK's APIError reads.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "internal"
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		status, code = fe.Code, strings.ToLower(strings.ReplaceAll(utils.StatusMessage(fe.Code), " ", "_"))
	case errors.Is(err, ErrNotFound):
		status, code = fiber.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		status, code = fiber.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalid):
		status, code = fiber.StatusBadRequest, "invalid"
	default:
		s.log.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"code": code, "message": err.Error()})
}

// deliver fans events out to sockets and the webhook.
func (s *Server) deliver(ctx context.Context, ds []Delivery) {
	if len(ds) == 0 {
		return
	}
	s.hub.Deliver(ctx, ds)
	s.hooks.Forward(ds)
}
