package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		identity *Identity
		roles    []string
		wantCode int
	}{
		{"allowed", &Identity{ID: "sys", Role: "System"}, []string{"System"}, http.StatusOK},
		{"case insensitive", &Identity{ID: "sys", Role: "system"}, []string{"System"}, http.StatusOK},
		{"one of many", &Identity{ID: "r1", Role: "Reviewer"}, []string{"Superadmin", "Reviewer"}, http.StatusOK},
		{"superadmin is not a wildcard", &Identity{ID: "sa", Role: "Superadmin"}, []string{"System"}, http.StatusForbidden},
		{"wrong role", &Identity{ID: "dr", Role: "Doctor"}, []string{"System"}, http.StatusForbidden},
		{"anonymous", nil, []string{"System"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.identity != nil {
				req = req.WithContext(WithIdentity(context.Background(), *tt.identity))
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := RequireRole(tt.roles...)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})
			err := h(c)

			if tt.wantCode == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, httpErr.Code)
			}
		})
	}
}
