// Package api exposes the bot's diagnostic HTTP endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/termbot/internal/domain/codesystem"
	"github.com/ehr/termbot/internal/domain/lookup"
	"github.com/ehr/termbot/internal/domain/token"
	"github.com/ehr/termbot/internal/platform/chat"
)

// Tokens is implemented by *token.Manager.
type Tokens interface {
	IsValid(ctx context.Context, name string) bool
	Refresh(ctx context.Context, name string) error
	Expiry(ctx context.Context, name string) time.Time
}

// Lookuper is implemented by *lookup.Service.
type Lookuper interface {
	Lookup(ctx context.Context, system, code string) lookup.Result
}

// Router is implemented by *router.Router.
type Router interface {
	Handle(ctx context.Context, msg chat.Message) (string, bool)
}

// Handler serves code system status, manual lookups and router dry runs.
type Handler struct {
	store  codesystem.Store
	tokens Tokens
	lookup Lookuper
	router Router
}

func NewHandler(store codesystem.Store, tokens Tokens, lk Lookuper, r Router) *Handler {
	return &Handler{store: store, tokens: tokens, lookup: lk, router: r}
}

// RegisterRoutes registers the API routes on the /api/v1 group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/codesystems", h.ListCodeSystems)
	api.POST("/codesystems/:system/token", h.RefreshToken)
	api.GET("/lookup/:system/:code", h.Lookup)
	api.POST("/route", h.Route)
}

// CodeSystemStatus is the public view of a code system. Secrets and tokens
// are never exposed.
type CodeSystemStatus struct {
	Name        string     `json:"name"`
	BaseURL     string     `json:"base_url"`
	OAuth       bool       `json:"oauth"`
	TokenValid  bool       `json:"token_valid"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
	TermPath    string     `json:"term_path"`
}

// ListCodeSystems handles GET /api/v1/codesystems.
func (h *Handler) ListCodeSystems(c echo.Context) error {
	ctx := c.Request().Context()
	systems, err := h.store.List(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]CodeSystemStatus, 0, len(systems))
	for _, cs := range systems {
		st := CodeSystemStatus{
			Name:     cs.Name,
			BaseURL:  cs.BaseURL,
			OAuth:    cs.UsesOAuth(),
			TermPath: strings.Join(cs.ResolvedTermPath(), "."),
		}
		if st.OAuth {
			st.TokenValid = h.tokens.IsValid(ctx, cs.Name)
			if exp := h.tokens.Expiry(ctx, cs.Name); !exp.IsZero() {
				st.TokenExpiry = &exp
			}
		}
		out = append(out, st)
	}
	return c.JSON(http.StatusOK, out)
}

// RefreshToken handles POST /api/v1/codesystems/:system/token.
func (h *Handler) RefreshToken(c echo.Context) error {
	ctx := c.Request().Context()
	system := c.Param("system")

	err := h.tokens.Refresh(ctx, system)
	switch {
	case err == nil:
	case errors.Is(err, codesystem.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, token.ErrNoOAuth):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"system":       system,
		"token_expiry": h.tokens.Expiry(ctx, system),
	})
}

// LookupResponse is returned by the lookup endpoint.
type LookupResponse struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Outcome string `json:"outcome"`
	Status  int    `json:"status,omitempty"`
	Term    string `json:"term,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Lookup handles GET /api/v1/lookup/:system/:code.
func (h *Handler) Lookup(c echo.Context) error {
	res := h.lookup.Lookup(c.Request().Context(), c.Param("system"), c.Param("code"))

	body := LookupResponse{
		System:  res.System,
		Code:    res.Code,
		Outcome: res.Outcome.String(),
		Status:  res.Status,
		Term:    res.Term,
		Cached:  res.Cached,
	}
	if res.Err != nil {
		body.Error = res.Err.Error()
	}

	switch {
	case res.Outcome == lookup.Found:
		return c.JSON(http.StatusOK, body)
	case res.Outcome == lookup.NotFound, lookup.IsUnknownSystem(res):
		return c.JSON(http.StatusNotFound, body)
	case errors.Is(res.Err, context.DeadlineExceeded):
		return res.Err
	default:
		return c.JSON(http.StatusBadGateway, body)
	}
}

type routeRequest struct {
	Text string `json:"text"`
}

// Route handles POST /api/v1/route. It returns the reply the bot would send
// for the given message text without sending anything.
func (h *Handler) Route(c echo.Context) error {
	var req routeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	reply, ok := h.router.Handle(c.Request().Context(), chat.Message{Text: req.Text})
	return c.JSON(http.StatusOK, map[string]interface{}{
		"text":    req.Text,
		"replied": ok,
		"reply":   reply,
	})
}

// Health handles GET /health.
func Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
