package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"campaign-dialer/internal/auth"
)

func doRequest(t *testing.T, id auth.Identity, allowed ...string) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}, RequireWorkspace(), RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	code := doRequest(t, auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleSuperAdmin}, RoleOwner)
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_UnlistedRoleForbidden(t *testing.T) {
	code := doRequest(t, auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleAnalyst}, RoleOwner, RoleManager)
	if code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_AllowedRolePasses(t *testing.T) {
	code := doRequest(t, auth.Identity{UserID: "u", WorkspaceID: "w", Role: RoleAgent}, RoleAgent)
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_WorkspaceRequired(t *testing.T) {
	code := doRequest(t, auth.Identity{UserID: "u", Role: RoleOwner}, RoleOwner)
	if code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
