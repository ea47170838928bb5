package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avtunnel/internal/control"
	"github.com/vyrodovalexey/avtunnel/internal/tunnel"
	"github.com/vyrodovalexey/avtunnel/internal/util"
)

type reloadRequest struct {
	ValidateOnly bool `json:"validateOnly"`
}

type generateRequest struct {
	Global   tunnel.GlobalSettings `json:"global"`
	Services []control.ServiceSpec `json:"services"`
}

type addProviderRequest struct {
	Name       string `json:"name" binding:"required"`
	Connect    string `json:"connect" binding:"required"`
	AcceptPort int    `json:"acceptPort"`
}

// handleHealth reports control-plane liveness.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleGetStatus returns the aggregated status snapshot.
func (s *Server) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.GetStatus(c.Request.Context()))
}

// handleGetConfig returns the committed document and its generation.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"generation": s.manager.Generation(),
		"config":     s.manager.Current(),
	})
}

// handleReload re-applies the on-disk configuration file.
func (s *Server) handleReload(c *gin.Context) {
	var req reloadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	gen, err := s.manager.ReloadConfig(c.Request.Context(), req.ValidateOnly)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"generation":   gen,
		"validateOnly": req.ValidateOnly,
	})
}

// handleUpdateConfig merges a partial update into the committed document.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req control.ConfigUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	gen, err := s.manager.UpdateConfig(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"generation": gen})
}

// handleGenerateConfig replaces the committed document with a generated one.
func (s *Server) handleGenerateConfig(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	gen, err := s.manager.GenerateConfig(c.Request.Context(), req.Global, req.Services)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"generation": gen})
}

// handleAddProvider appends a new tunnel service.
func (s *Server) handleAddProvider(c *gin.Context) {
	var req addProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	gen, port, err := s.manager.AddProvider(c.Request.Context(), req.Name, req.Connect, req.AcceptPort)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"generation": gen,
		"name":       req.Name,
		"acceptPort": port,
	})
}

// handleRemoveProvider deletes a tunnel service by name.
func (s *Server) handleRemoveProvider(c *gin.Context) {
	gen, err := s.manager.RemoveProvider(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"generation": gen})
}

// writeError maps control-plane errors to HTTP status codes. Validation
// failures report every violation so callers can fix them in one round.
func (s *Server) writeError(c *gin.Context, err error) {
	var verrs tunnel.ValidationErrors
	if errors.As(err, &verrs) {
		details := make([]gin.H, 0, len(verrs))
		for _, ve := range verrs {
			details = append(details, gin.H{"path": ve.Path, "message": ve.Message})
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation failed",
			"details": details,
		})
		return
	}

	var parseErr *tunnel.ParseError
	if errors.As(err, &parseErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"line":  parseErr.Line,
		})
		return
	}

	status := http.StatusBadRequest
	switch {
	case errors.Is(err, util.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, util.ErrServiceExists):
		status = http.StatusConflict
	case errors.Is(err, util.ErrServiceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tunnel.ErrPortRangeExhausted):
		status = http.StatusTooManyRequests
	case errors.Is(err, util.ErrProcessUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, util.ErrReloadFailed):
		status = http.StatusBadGateway
	}

	c.JSON(status, gin.H{"error": err.Error()})
}
