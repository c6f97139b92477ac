// Package admin serves the operator API: health, Prometheus metrics,
// upstream pool state, manual reinstatement and cache purge.
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fabian4/stagegate/internal/gateway"
	"github.com/fabian4/stagegate/internal/metrics"
)

// StateFunc returns the instance currently serving traffic.
type StateFunc func() *gateway.Instance

// Server is the admin HTTP API.
type Server struct {
	engine *gin.Engine
	state  StateFunc
}

// New builds the router. m may be nil, in which case /metrics is not
// mounted.
func New(state StateFunc, m *metrics.Registry) *Server {
	s := &Server{engine: gin.New(), state: state}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/healthz", s.health)
	if m != nil {
		s.engine.GET("/metrics", gin.WrapH(m.Handler()))
	}
	s.engine.GET("/upstreams", s.upstreams)
	s.engine.POST("/upstreams/:group/hosts/:index/reinstate", s.reinstate)
	s.engine.DELETE("/routes/:route/cache", s.purge)
	return s
}

// Handler returns the API as an http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) health(c *gin.Context) {
	inst := s.state()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "routes": len(inst.Routes)})
}

func (s *Server) upstreams(c *gin.Context) {
	c.JSON(http.StatusOK, s.state().Snapshot())
}

func (s *Server) reinstate(c *gin.Context) {
	g, ok := s.state().Groups[c.Param("group")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown host group"})
		return
	}
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be a non-negative integer"})
		return
	}
	if !g.Profile.Reinstate(idx) {
		c.JSON(http.StatusConflict, gin.H{"error": "host is not in the failed pool"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": g.Name, "index": idx, "reinstated": true})
}

func (s *Server) purge(c *gin.Context) {
	route := c.Param("route")
	n, ok := s.state().PurgeCache(route)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown route or route without memory cache"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"route": route, "purged": n})
}
