package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docustream/backend/internal/auth"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(jwt *auth.JWTService) *gin.Engine {
	r := gin.New()
	r.Use(Logger(zap.NewNop()), CORS("http://app.example.org"))
	r.GET("/me", JWT(jwt), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c).String(), "token": Token(c)})
	})
	return r
}

func TestJWT(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	user := uuid.New()
	tok, err := svc.Generate(user, "")
	require.NoError(t, err)
	r := newRouter(svc)

	cases := []struct {
		name   string
		header string
		query  string
		ws     bool
		want   int
	}{
		{"bearer header", "Bearer " + tok, "", false, http.StatusOK},
		{"missing", "", "", false, http.StatusUnauthorized},
		{"wrong scheme", "Basic " + tok, "", false, http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", false, http.StatusUnauthorized},
		{"query on upgrade", "", tok, true, http.StatusOK},
		{"query without upgrade", "", tok, false, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/me"
			if tc.query != "" {
				target += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.ws {
				req.Header.Set("Upgrade", "websocket")
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusOK {
				assert.Contains(t, w.Body.String(), user.String())
			}
		})
	}
}

func TestCORS(t *testing.T) {
	r := newRouter(auth.NewJWTService("secret", 1))

	req := httptest.NewRequest(http.MethodOptions, "/me", nil)
	req.Header.Set("Origin", "http://app.example.org")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://app.example.org", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Range")

	req = httptest.NewRequest(http.MethodOptions, "/me", nil)
	req.Header.Set("Origin", "http://evil.example.org")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
