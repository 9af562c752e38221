package httpbroker

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	captureerrors "github.com/input-output-hk/catalyst-forge-libs/capture/errors"
)

// Handler serves a Broker over HTTP.
type Handler struct {
	broker capturetypes.Broker
	logger *slog.Logger
}

// NewHandler creates a handler for broker. A nil logger disables logging.
func NewHandler(broker capturetypes.Broker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{broker: broker, logger: logger}
}

// Register mounts the broker routes on g.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/grants", h.requestGrant)
	g.POST("/grants/:id/confirm", h.confirmWrite)
	g.POST("/multipart/:id/parts/:number", h.requestPartGrant)
	g.POST("/multipart/:id/complete", h.completeMultipart)
	g.DELETE("/multipart/:id", h.abortMultipart)
}

// NewServer returns an echo instance serving broker under /uploads.
func NewServer(broker capturetypes.Broker, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	NewHandler(broker, logger).Register(e.Group("/uploads"))
	return e
}

func (h *Handler) requestGrant(c echo.Context) error {
	var req capturetypes.GrantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Code: captureerrors.CodeInvalidInput, Message: "invalid request body"})
	}

	grant, err := h.broker.RequestGrant(c.Request().Context(), &req)
	if err != nil {
		return h.fail(c, "request grant", err)
	}
	return c.JSON(http.StatusCreated, grant)
}

func (h *Handler) requestPartGrant(c echo.Context) error {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Code: captureerrors.CodeInvalidInput, Message: "part number must be an integer"})
	}

	target, err := h.broker.RequestPartGrant(c.Request().Context(), c.Param("id"), number)
	if err != nil {
		return h.fail(c, "request part grant", err)
	}
	return c.JSON(http.StatusOK, target)
}

func (h *Handler) completeMultipart(c echo.Context) error {
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Code: captureerrors.CodeInvalidInput, Message: "invalid request body"})
	}

	ref, err := h.broker.CompleteMultipart(c.Request().Context(), c.Param("id"), req.Parts)
	if err != nil {
		return h.fail(c, "complete multipart", err)
	}
	return c.JSON(http.StatusOK, ref)
}

func (h *Handler) confirmWrite(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Code: captureerrors.CodeInvalidInput, Message: "invalid request body"})
	}

	if err := h.broker.ConfirmWrite(c.Request().Context(), c.Param("id"), req.Size, req.Digest); err != nil {
		return h.fail(c, "confirm write", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) abortMultipart(c echo.Context) error {
	if err := h.broker.AbortMultipart(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, "abort multipart", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) fail(c echo.Context, op string, err error) error {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("broker operation failed", "op", op, "error", err)
	} else {
		h.logger.Debug("broker operation rejected", "op", op, "status", status, "error", err)
	}
	return c.JSON(status, ErrorResponse{Code: code, Message: err.Error()})
}
