// Package api exposes a small REST interface for inspecting and managing the
// running resolver.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/miekg/dns"

	"github.com/neevparikh/dns/cache"
	"github.com/neevparikh/dns/server"
)

// Server serves the admin API for a running resolver.
type Server struct {
	coord  *server.Coordinator
	cache  *cache.Cache
	logger *slog.Logger
}

// New returns an API server reporting on coord and managing c. Either may be
// nil, in which case the corresponding endpoints report empty data.
func New(coord *server.Coordinator, c *cache.Cache, logger *slog.Logger) *Server {
	return &Server{coord: coord, cache: c, logger: logger}
}

// Start launches the REST API asynchronously on addr.
func (s *Server) Start(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		if s.logger != nil {
			s.logger.Warn("api: empty listen address; refusing to start")
		}
		return
	}
	if s.logger != nil {
		s.logger.Info("api: starting", "addr", addr)
	}
	go func() {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		s.RegisterRoutes(router)
		if err := router.Run(addr); err != nil {
			if s.logger != nil {
				s.logger.Error("api: stopped", "error", err)
			}
		}
	}()
}

// RegisterRoutes wires up the admin handlers.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/stats", s.statsHandler)
	router.GET("/cache", s.cacheHandler)
	router.POST("/cache/flush", s.flushHandler)
	router.DELETE("/cache/:qname", s.invalidateHandler)
}

func (s *Server) statsHandler(c *gin.Context) {
	var stats server.Stats
	if s.coord != nil {
		stats = s.coord.Stats()
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) cacheHandler(c *gin.Context) {
	resp := gin.H{"entries": 0, "hit_ratio": 0.0}
	if s.cache != nil {
		resp["entries"] = s.cache.Entries()
		resp["hit_ratio"] = s.cache.HitRatio()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) flushHandler(c *gin.Context) {
	if s.cache != nil {
		s.cache.Clear()
	}
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

func (s *Server) invalidateHandler(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusOK, gin.H{"status": "no cache"})
		return
	}
	qname := c.Param("qname")
	qtypes := []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeNS, dns.TypeMX, dns.TypeTXT, dns.TypePTR}
	for _, qt := range qtypes {
		s.cache.Invalidate(qname, qt)
	}
	c.JSON(http.StatusOK, gin.H{"status": "invalidated", "qname": qname})
}
