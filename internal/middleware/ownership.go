package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"instapc-server/internal/model"
)

const vmContextKey = "vm"

// VMLookup resolves VM records by id.
type VMLookup interface {
	Get(id string) (model.VM, bool)
}

func VMFromContext(c *gin.Context) (model.VM, bool) {
	v, ok := c.Get(vmContextKey)
	if !ok {
		return model.VM{}, false
	}
	vm, ok := v.(model.VM)
	return vm, ok
}

// EnsureVMOwnership loads the VM named by the :id path parameter and
// rejects the request unless the caller owns it. Unknown VMs are 404 and
// foreign ones 403, both before the handler does any work.
func EnsureVMOwnership(vms VMLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserIDFromContext(c)
		if !ok {
			unauthorized(c)
			return
		}

		vm, ok := vms.Get(c.Param("id"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "VM not found"})
			return
		}
		if vm.Owner != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}

		c.Set(vmContextKey, vm)
		c.Next()
	}
}
