package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenPressCore/internal/auth"
	"github.com/KevinKickass/OpenPressCore/internal/interfaces"
	"github.com/KevinKickass/OpenPressCore/internal/press"
	"github.com/KevinKickass/OpenPressCore/internal/sequencer"
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"github.com/KevinKickass/OpenPressCore/internal/storage"
	"github.com/KevinKickass/OpenPressCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/presses
func (s *Server) listPresses(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.PressStatuses())
}

// GET /api/v1/presses/:id
func (s *Server) getPress(c *gin.Context) {
	_, p, ok := s.press(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, p.Status())
}

// POST /api/v1/presses/:id/command
func (s *Server) executePressCommand(c *gin.Context) {
	id, p, ok := s.press(c)
	if !ok {
		return
	}

	var req struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PRESS_400", "Invalid request body", err.Error()))
		return
	}

	cmd, err := press.ParseCommand(req.Command)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PRESS_400", "Unknown command", err.Error()))
		return
	}

	if err := p.Execute(c.Request.Context(), cmd); err != nil {
		s.logger.Warn("Press command rejected",
			zap.Int("press", id),
			zap.String("command", req.Command),
			zap.String("operator", auth.Operator(c)),
			zap.Error(err))
		status, code := commandError(err)
		c.JSON(status, types.NewErrorResponse(code, "Command rejected", err.Error()))
		return
	}

	s.logger.Info("Press command accepted",
		zap.Int("press", id),
		zap.String("command", req.Command),
		zap.String("operator", auth.Operator(c)))

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Command accepted",
		"command": req.Command,
		"state":   p.Status().State,
	})
}

func commandError(err error) (int, string) {
	switch {
	case errors.Is(err, sequencer.ErrProgramNotFound):
		return http.StatusNotFound, "PROGRAM_404"
	case errors.Is(err, sequencer.ErrEmptyProgram):
		return http.StatusUnprocessableEntity, "PROGRAM_422"
	case errors.Is(err, press.ErrUnsafe):
		return http.StatusConflict, "PRESS_UNSAFE"
	case errors.Is(err, press.ErrAlreadyRunning),
		errors.Is(err, press.ErrNotRunning),
		errors.Is(err, press.ErrNotPaused):
		return http.StatusConflict, "PRESS_409"
	case errors.Is(err, press.ErrUnknownCommand):
		return http.StatusBadRequest, "PRESS_400"
	}
	return http.StatusUnprocessableEntity, "PROGRAM_422"
}

// PUT /api/v1/presses/:id/target
//
// Operator override of the setpoints. A JSON null target_temp turns the
// heaters off; an absent field leaves that setpoint alone.
func (s *Server) setPressTarget(c *gin.Context) {
	id, _, ok := s.press(c)
	if !ok {
		return
	}

	var req map[string]*float64
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PRESS_400", "Invalid request body", err.Error()))
		return
	}

	update := make(map[string]any, 2)
	if v, present := req["target_temp"]; present {
		if v == nil {
			update[statebus.PressKey(id, statebus.TargetTemp)] = nil
		} else {
			update[statebus.PressKey(id, statebus.TargetTemp)] = *v
		}
	}
	if v, present := req["target_pressure"]; present {
		if v == nil || *v < 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("PRESS_400", "target_pressure must be a number >= 0", nil))
			return
		}
		update[statebus.PressKey(id, statebus.TargetPressure)] = *v
	}
	if len(update) == 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PRESS_400", "No target given", nil))
		return
	}

	s.lm.Bus().Update(update)
	s.logger.Info("Press target set",
		zap.Int("press", id),
		zap.Any("target", update),
		zap.String("operator", auth.Operator(c)))

	c.JSON(http.StatusOK, update)
}

// GET /api/v1/presses/:id/runs
func (s *Server) listRuns(c *gin.Context) {
	id, _, ok := s.press(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	runs, err := s.lm.Runs(c.Request.Context(), id, limit)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("HISTORY_503", "Run history not available", nil))
			return
		}
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("HISTORY_500", "Failed to load runs", err.Error()))
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) press(c *gin.Context) (int, interfaces.PressOperator, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PRESS_400", "Invalid press id", c.Param("id")))
		return 0, nil, false
	}

	p, ok := s.lm.Press(id)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("PRESS_404", "Press not found", id))
		return 0, nil, false
	}
	return id, p, true
}
