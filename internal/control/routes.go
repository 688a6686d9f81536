package control

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/telemd/internal/export"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultFramesLimit = 1000

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "telemd",
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		running := s.svc.Running()
		status := http.StatusOK
		if !running {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": running})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.svc.Status())
	})

	r.POST("/start", func(c *gin.Context) {
		if err := s.svc.Start(); err != nil {
			c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ActionResult{Status: "ok", Running: s.svc.Running()})
	})

	r.POST("/stop", func(c *gin.Context) {
		s.svc.Stop()
		c.JSON(http.StatusOK, ActionResult{Status: "ok", Running: s.svc.Running()})
	})

	r.POST("/reset", func(c *gin.Context) {
		if err := s.svc.Reset(); err != nil {
			c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, ActionResult{Status: "ok", Running: s.svc.Running()})
	})

	r.POST("/save", s.handleSave)

	r.GET("/frames", s.handleFrames)

	r.GET("/frames.csv", func(c *gin.Context) {
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Status(http.StatusOK)
		if err := export.WriteTable(c.Writer, s.svc.Frames(0, -1)); err != nil {
			s.logger.Warn().Err(err).Msg("control.Server frames.csv write failed")
		}
	})

	r.GET("/events", func(c *gin.Context) {
		since, ok := queryUint(c, "since")
		if !ok {
			return
		}
		c.JSON(http.StatusOK, EventsPage{Events: s.svc.Events(since)})
	})

	r.GET("/events/stream", s.handleEventStream)
}

func (s *Server) handleSave(c *gin.Context) {
	var req SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		path = s.svc.SavePath()
	}
	n, err := s.svc.Save(path)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SaveResult{Status: "ok", Path: path, Frames: n})
}

func (s *Server) handleFrames(c *gin.Context) {
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultFramesLimit)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toPage(s.svc.FrameCount(), offset, s.svc.Frames(offset, limit)))
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid " + key})
		return 0, false
	}
	return v, true
}

func queryUint(c *gin.Context, key string) (uint64, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid " + key})
		return 0, false
	}
	return v, true
}
