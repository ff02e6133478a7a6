package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v4"
)

const testSecret = "guard-test-secret"

func newGuardedRouter(t *testing.T, handlerRan *bool) *gin.Engine {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", testSecret)

	guard, err := NewGuardFromEnv()
	if err != nil {
		t.Fatalf("NewGuardFromEnv: %v", err)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", guard.RequireAuthenticated(), func(c *gin.Context) {
		*handlerRan = true
		c.JSON(http.StatusOK, gin.H{"owner": UserID(c)})
	})
	return router
}

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestRequireAuthenticatedResolvesSubject(t *testing.T) {
	var handlerRan bool
	router := newGuardedRouter(t, &handlerRan)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, jwt.MapClaims{"sub": "user-1"}))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), `"owner":"user-1"`) {
		t.Fatalf("body = %s, want owner user-1", recorder.Body.String())
	}
}

func TestRequireAuthenticatedPrefersUserIDClaim(t *testing.T) {
	var handlerRan bool
	router := newGuardedRouter(t, &handlerRan)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, jwt.MapClaims{"user_id": "user-2", "sub": "ignored"}))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if !strings.Contains(recorder.Body.String(), `"owner":"user-2"`) {
		t.Fatalf("body = %s, want owner user-2", recorder.Body.String())
	}
}

// A validly signed token that carries no subject claim must be refused before
// the handler chain runs, with exactly one 401 body on the wire.
func TestRequireAuthenticatedRejectsTokenWithoutSubject(t *testing.T) {
	var handlerRan bool
	router := newGuardedRouter(t, &handlerRan)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, jwt.MapClaims{}))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if handlerRan {
		t.Fatal("handler ran for a token without a subject")
	}
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
	if got := strings.TrimSpace(recorder.Body.String()); got != `{"error":"Unauthorized"}` {
		t.Fatalf("body = %q, want a single Unauthorized object", got)
	}
}

func TestRequireAuthenticatedRejectsMissingToken(t *testing.T) {
	var handlerRan bool
	router := newGuardedRouter(t, &handlerRan)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if handlerRan {
		t.Fatal("handler ran without credentials")
	}
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}
