package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bankchat/internal/backend"
	"bankchat/internal/pkg/jwtutil/jwttest"
)

const testSecret = "test-secret"

func newAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AuthJWT(testSecret))
	router.GET("/whoami", func(c *gin.Context) {
		userID, _ := UserID(c)
		token, err := backend.ContextToken.Token(c.Request.Context())
		require.NoError(t, err)
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "email": c.GetString(ContextEmailKey), "token": token})
	})
	return router
}

func TestAuthJWT(t *testing.T) {
	valid, err := jwttest.Sign(testSecret, time.Hour, "42", "ann@example.com", "user")
	require.NoError(t, err)
	expired, err := jwttest.Sign(testSecret, -time.Minute, "42", "ann@example.com", "user")
	require.NoError(t, err)
	forged, err := jwttest.Sign("other-secret", time.Hour, "42", "ann@example.com", "user")
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		status   int
		contains string
	}{
		{name: "missing header", header: "", status: http.StatusUnauthorized, contains: "missing authorization header"},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized, contains: "invalid authorization scheme"},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized, contains: "session expired"},
		{name: "bad signature", header: "Bearer " + forged, status: http.StatusUnauthorized, contains: "invalid token"},
		{name: "valid", header: "Bearer " + valid, status: http.StatusOK, contains: `"user_id":"42"`},
		{name: "lowercase scheme", header: "bearer " + valid, status: http.StatusOK, contains: `"email":"ann@example.com"`},
	}

	router := newAuthRouter(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestAuthJWTForwardsToken(t *testing.T) {
	token, err := jwttest.Sign(testSecret, time.Hour, "7", "", "user")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	newAuthRouter(t).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), token)
}
