package cobot_us

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// HTTPServer exposes the system over REST and streams transforms over
// WebSocket.
type HTTPServer struct {
	system *System
	logger logging.Logger
	echo   *echo.Echo
}

func NewHTTPServer(system *System, logger logging.Logger) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := &HTTPServer{system: system, logger: logger, echo: e}

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(h.loggingMiddleware)

	api := e.Group("/api/v1")
	api.GET("/health", h.HealthCheck)
	api.GET("/status", h.GetStatus)
	api.POST("/commands", h.RunCommand)
	api.POST("/commands/:command", h.RunCommand)
	api.GET("/settings", h.GetSettings)
	api.PUT("/settings", h.UpdateSettings)
	api.GET("/transforms/:name", h.GetTransform)
	api.GET("/history", h.GetHistory)
	api.GET("/ws/transforms", h.StreamTransforms)

	return h
}

// Handler returns the router, mostly for tests.
func (h *HTTPServer) Handler() http.Handler {
	return h.echo
}

// Start serves on addr until Shutdown.
func (h *HTTPServer) Start(addr string) error {
	h.logger.Infof("Starting HTTP server on %s", addr)
	if err := h.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.echo.Shutdown(ctx)
}

func (h *HTTPServer) loggingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		h.logger.Debugf("%s %s %s %v", c.Request().Method, c.Request().RequestURI, c.RealIP(), time.Since(start))
		return err
	}
}

// httpStatus maps domain errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownCommand),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidAngles),
		errors.Is(err, ErrInvalidSpeed),
		errors.Is(err, ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrBusy),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrRobotNotConnected),
		errors.Is(err, ErrNotReconstructing):
		return http.StatusConflict
	case errors.Is(err, ErrImageStreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrMoveTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPServer) fail(err error) error {
	return echo.NewHTTPError(httpStatus(err), err.Error())
}

func (h *HTTPServer) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"arm":       h.system.Arm.State().String(),
		"timestamp": time.Now(),
	})
}

func (h *HTTPServer) GetStatus(c echo.Context) error {
	out, err := h.system.Execute(c.Request().Context(), map[string]any{"command": "status"})
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, out)
}

// RunCommand executes the JSON body as a command. The command name may come
// from the path instead of the body.
func (h *HTTPServer) RunCommand(c echo.Context) error {
	cmd := map[string]any{}
	if err := json.NewDecoder(c.Request().Body).Decode(&cmd); err != nil && !errors.Is(err, io.EOF) {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON body: "+err.Error())
	}
	if name := c.Param("command"); name != "" {
		cmd["command"] = name
	}

	out, err := h.system.Execute(c.Request().Context(), cmd)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *HTTPServer) GetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, h.system.Settings.Snapshot())
}

func (h *HTTPServer) UpdateSettings(c echo.Context) error {
	var patch SettingsPatch
	if err := json.NewDecoder(c.Request().Body).Decode(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid settings: "+err.Error())
	}
	if err := h.system.Settings.Update(c.Request().Context(), patch); err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, h.system.Settings.Snapshot())
}

func (h *HTTPServer) GetTransform(c echo.Context) error {
	lookup := h.system.Transform
	if world, _ := strconv.ParseBool(c.QueryParam("world")); world {
		lookup = h.system.WorldTransform
	}
	u, err := lookup(c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	msg, err := NewTransformMessage(u)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, msg)
}

func (h *HTTPServer) GetHistory(c echo.Context) error {
	limit := defaultHistoryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	records, err := h.system.Coordinator.History(c.Request().Context(), limit)
	if err != nil {
		return h.fail(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": records,
		"count": len(records),
	})
}

// StreamTransforms upgrades to WebSocket and sends every transform update.
// The probe holder transform, if known, is sent first.
func (h *HTTPServer) StreamTransforms(c echo.Context) error {
	var initial *TransformUpdate
	if u, ok := h.system.Scene.Transform(h.system.Publisher.TransformName()); ok {
		initial = &u
	}
	if err := h.system.Hub.Serve(c.Response(), c.Request(), initial); err != nil {
		h.logger.Debugf("WebSocket upgrade failed: %v", err)
	}
	return nil
}
