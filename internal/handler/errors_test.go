package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/containerd/errdefs"
	"instapc-server/internal/lifecycle"
	"instapc-server/internal/model"
	"instapc-server/internal/runtime"
	"instapc-server/internal/session"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{lifecycle.ErrVMNotFound, http.StatusNotFound},
		{session.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("owner mismatch: %w", errdefs.ErrPermissionDenied), http.StatusForbidden},
		{fmt.Errorf("%w: memory", model.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: amiga", runtime.ErrUnsupportedOS), http.StatusBadRequest},
		{fmt.Errorf("%w: %w", lifecycle.ErrProvisioningFailed, errors.New("docker")), http.StatusInternalServerError},
		{fmt.Errorf("start vm-1: %w", errdefs.ErrNotFound), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
