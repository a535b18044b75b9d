package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"instapc-server/internal/clock"
	"instapc-server/internal/middleware"
	"instapc-server/internal/model"
	"instapc-server/internal/session"
)

type VMController interface {
	CreateVM(ctx context.Context, owner string, spec model.VMSpec) (model.VM, error)
	UpdateVM(ctx context.Context, vm model.VM, patch model.VMPatch) (model.VM, error)
	StartVM(ctx context.Context, vm model.VM) error
	StopVM(ctx context.Context, vm model.VM) error
	DeleteVM(ctx context.Context, vm model.VM) error
	Status(ctx context.Context, vm model.VM) (bool, error)
}

type VMLister interface {
	List(owner string) []model.VM
}

type SessionConnector interface {
	Connect(ctx context.Context, vm model.VM, user string) (model.Session, error)
}

type VMHandler struct {
	Controller VMController
	VMs        VMLister
	Sessions   SessionConnector
	Clock      clock.Clock
	// SettleDelay is waited after connecting so the display endpoint is
	// reachable before the client is handed the session id.
	SettleDelay time.Duration
	Logger      *slog.Logger
}

type createVMBody struct {
	VM *model.VMSpec `json:"vm"`
}

type patchVMBody struct {
	VM *model.VMPatch `json:"vm"`
}

func (h *VMHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *VMHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	c.JSON(http.StatusOK, h.VMs.List(userID))
}

func (h *VMHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createVMBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	spec := model.VMSpec{}
	if body.VM != nil {
		spec = *body.VM
	}

	vm, err := h.Controller.CreateVM(c.Request.Context(), userID, spec)
	if err != nil {
		writeError(c, h.logger(), "create vm", err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (h *VMHandler) Get(c *gin.Context) {
	vm, ok := middleware.VMFromContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "VM not found"})
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (h *VMHandler) Update(c *gin.Context) {
	vm, ok := middleware.VMFromContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "VM not found"})
		return
	}

	var body patchVMBody
	if err := c.ShouldBindJSON(&body); err != nil || body.VM == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if _, err := h.Controller.UpdateVM(c.Request.Context(), vm, *body.VM); err != nil {
		writeError(c, h.logger(), "update vm", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *VMHandler) Delete(c *gin.Context) {
	vm, ok := middleware.VMFromContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "VM not found"})
		return
	}
	if err := h.Controller.DeleteVM(c.Request.Context(), vm); err != nil {
		writeError(c, h.logger(), "delete vm", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *VMHandler) Status(c *gin.Context) {
	vm, ok := middleware.VMFromContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "VM not found"})
		return
	}
	running, err := h.Controller.Status(c.Request.Context(), vm)
	if err != nil {
		writeError(c, h.logger(), "vm status", err)
		return
	}
	if running {
		c.JSON(http.StatusOK, 1)
		return
	}
	c.JSON(http.StatusOK, 0)
}

func (h *VMHandler) Start(c *gin.Context) {
	vm, ok := middleware.VMFromContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "VM not found"})
		return
	}
	if err := h.Controller.StartVM(c.Request.Context(), vm); err != nil {
		writeError(c, h.logger(), "start vm", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *VMHandler) Stop(c *gin.Context) {
	vm, ok := middleware.VMFromContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "VM not found"})
		return
	}
	if err := h.Controller.StopVM(c.Request.Context(), vm); err != nil {
		writeError(c, h.logger(), "stop vm", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Connect starts the VM and returns the caller's session id as a JSON
// string.
func (h *VMHandler) Connect(c *gin.Context) {
	vm, ok := middleware.VMFromContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "VM not found"})
		return
	}
	userID, _ := middleware.UserIDFromContext(c)

	s, err := h.Sessions.Connect(c.Request.Context(), vm, userID)
	if err != nil {
		writeError(c, h.logger(), "connect vm", err)
		return
	}

	if h.SettleDelay > 0 {
		clk := h.Clock
		if clk == nil {
			clk = clock.Real()
		}
		clk.Sleep(h.SettleDelay)
	}
	c.JSON(http.StatusOK, s.ID)
}

var _ SessionConnector = (*session.Manager)(nil)
