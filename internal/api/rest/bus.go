package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/bus/state
func (s *Server) getBusState(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Bus().Snapshot())
}

// GET /api/v1/bus/quality
func (s *Server) getBusQuality(c *gin.Context) {
	report := s.lm.Bus().Get(statebus.KeyDCONStats, nil)
	if report == nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("BUS_404", "No quality report yet", nil))
		return
	}
	c.JSON(http.StatusOK, report)
}
