package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"go.ntppool.org/common/logger"

	"go.fleetpanel.dev/engine/fleet"
	"go.fleetpanel.dev/engine/selector"
	"go.fleetpanel.dev/engine/tracker"
)

// Engine is the part of the engine the HTTP API exposes.
type Engine interface {
	GetNodeMetrics(nodeID int64) fleet.Metrics
	NodeLoad(nodeID int64) tracker.Load
	SelectNode(ctx context.Context, candidates []fleet.Node, hint fleet.Hint, userID int64) (fleet.Node, error)
	SelectForGroup(ctx context.Context, groupID, userID int64) (fleet.Node, error)
	RecordAccess(ctx context.Context, a tracker.Access) error
	EstimateDevices(ctx context.Context, userID int64) int
	NodeStatusChanged(ctx context.Context, nodeID int64, status fleet.Status) (bool, error)
}

type Server struct {
	engine Engine
	dir    fleet.Directory
	log    *slog.Logger
	echo   *echo.Echo
}

func New(log *slog.Logger, engine Engine, dir fleet.Directory) *Server {
	srv := &Server{
		engine: engine,
		dir:    dir,
		log:    log.WithGroup("api"),
	}
	srv.echo = srv.setupEcho()
	return srv
}

// Handler returns the API routes, for tests and embedding.
func (srv *Server) Handler() http.Handler {
	return srv.echo
}

func (srv *Server) setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(otelecho.Middleware("fleet-engine"))
	e.Use(slogecho.NewWithConfig(srv.log, slogecho.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelInfo,
		ServerErrorLevel: slog.LevelError,
	}))
	e.Use(middleware.Recover())

	e.HTTPErrorHandler = srv.errorHandler(e.DefaultHTTPErrorHandler)

	e.GET("/nodes", srv.listNodes)
	e.GET("/nodes/:id/metrics", srv.nodeMetrics)
	e.GET("/nodes/:id/load", srv.nodeLoad)
	e.POST("/nodes/:id/status", srv.nodeStatus)
	e.POST("/select", srv.selectNode)
	e.GET("/groups/:id/select", srv.selectForGroup)
	e.POST("/access", srv.recordAccess)
	e.GET("/users/:id/devices", srv.userDevices)

	return e
}

// Run serves the API on listen until ctx is done.
func (srv *Server) Run(ctx context.Context, listen string) error {
	log := logger.FromContext(ctx)

	errc := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "starting api server", "listen", listen)
		errc <- srv.echo.Start(listen)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// errorHandler maps domain errors to status codes before handing off
// to echo's default handler.
func (srv *Server) errorHandler(next echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
		case errors.Is(err, fleet.ErrNotFound):
			err = echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, selector.ErrNoHealthyNode):
			err = echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			srv.log.ErrorContext(c.Request().Context(), "request failed", "path", c.Path(), "err", err)
		}
		next(err, c)
	}
}

func paramID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s %q", name, c.Param(name)))
	}
	return id, nil
}

type metricsJSON struct {
	NodeID          int64    `json:"node_id"`
	AvgResponseTime *float64 `json:"avg_response_time"`
	SuccessRate     *float64 `json:"success_rate"`
	Samples         int      `json:"samples"`
}

type loadJSON struct {
	tracker.Load
	AvgResponseTime *float64 `json:"avg_response_time"`
	SuccessRate     *float64 `json:"success_rate"`
}

// decorate fills in the engine's view of a node.
func (srv *Server) decorate(n fleet.Node) fleet.Node {
	srv.engine.GetNodeMetrics(n.ID).Apply(&n)
	load := srv.engine.NodeLoad(n.ID)
	n.ActiveConnections = load.ActiveConnections
	n.TotalConnections = max(n.TotalConnections, load.TotalConnections)
	return n
}

func (srv *Server) listNodes(c echo.Context) error {
	nodes, err := srv.dir.Nodes(c.Request().Context(), fleet.Status(c.QueryParam("status")))
	if err != nil {
		return err
	}
	r := make([]fleet.Node, 0, len(nodes))
	for _, n := range nodes {
		r = append(r, srv.decorate(n))
	}
	return c.JSON(http.StatusOK, r)
}

func (srv *Server) nodeMetrics(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	m := srv.engine.GetNodeMetrics(id)
	return c.JSON(http.StatusOK, metricsJSON{
		NodeID:          id,
		AvgResponseTime: m.AvgResponseTime,
		SuccessRate:     m.SuccessRate,
		Samples:         m.Samples,
	})
}

func (srv *Server) nodeLoad(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	m := srv.engine.GetNodeMetrics(id)
	return c.JSON(http.StatusOK, loadJSON{
		Load:            srv.engine.NodeLoad(id),
		AvgResponseTime: m.AvgResponseTime,
		SuccessRate:     m.SuccessRate,
	})
}

func (srv *Server) nodeStatus(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req struct {
		Status fleet.Status `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return err
	}
	switch req.Status {
	case fleet.StatusConnected, fleet.StatusConnecting, fleet.StatusError:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
	}
	checked, err := srv.engine.NodeStatusChanged(c.Request().Context(), id, req.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"node_id": id, "checked": checked})
}

type selectRequest struct {
	UserID  int64      `json:"user_id"`
	Hint    fleet.Hint `json:"hint"`
	NodeIDs []int64    `json:"node_ids"`
}

// selectNode resolves the requested ids and passes the connected ones
// as candidates; unknown ids are skipped.
func (srv *Server) selectNode(c echo.Context) error {
	ctx := c.Request().Context()

	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	candidates := make([]fleet.Node, 0, len(req.NodeIDs))
	for _, id := range req.NodeIDs {
		n, err := srv.dir.Node(ctx, id)
		if errors.Is(err, fleet.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if n.Status == fleet.StatusConnected {
			candidates = append(candidates, n)
		}
	}

	n, err := srv.engine.SelectNode(ctx, candidates, req.Hint, req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, srv.decorate(n))
}

func (srv *Server) selectForGroup(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var userID int64
	if u := c.QueryParam("user_id"); u != "" {
		userID, err = strconv.ParseInt(u, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid user_id %q", u))
		}
	}
	n, err := srv.engine.SelectForGroup(c.Request().Context(), id, userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, srv.decorate(n))
}

type accessRequest struct {
	UserID    int64  `json:"user_id"`
	NodeID    int64  `json:"node_id"`
	Token     string `json:"token"`
	UserAgent string `json:"user_agent"`
	ClientIP  string `json:"client_ip"`
}

// recordAccess takes the user agent and address from the request when
// the body does not carry them.
func (srv *Server) recordAccess(c echo.Context) error {
	var req accessRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.UserID <= 0 || req.NodeID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and node_id are required")
	}
	if req.UserAgent == "" {
		req.UserAgent = c.Request().UserAgent()
	}
	if req.ClientIP == "" {
		req.ClientIP = tracker.ClientIP(c.Request())
	}

	err := srv.engine.RecordAccess(c.Request().Context(), tracker.Access{
		UserID:    req.UserID,
		NodeID:    req.NodeID,
		Token:     req.Token,
		UserAgent: req.UserAgent,
		ClientIP:  req.ClientIP,
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) userDevices(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"user_id": id,
		"devices": srv.engine.EstimateDevices(c.Request().Context(), id),
	})
}
