package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func newRouter(secret, audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", JWTMiddleware(secret, audience), func(c *gin.Context) {
		owner, ok := OwnerID(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, owner)
	})
	return router
}

func signToken(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, secret string) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func call(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestJWTMiddlewareSetsOwner(t *testing.T) {
	router := newRouter(testSecret, "")
	token := signToken(t, jwt.RegisteredClaims{
		Subject:   "owner-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, jwt.SigningMethodHS256, testSecret)

	resp := call(router, "bearer "+token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != "owner-42" {
		t.Fatalf("expected owner-42, got %q", resp.Body.String())
	}
}

func TestJWTMiddlewareRejects(t *testing.T) {
	valid := jwt.RegisteredClaims{Subject: "owner-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	expired := jwt.RegisteredClaims{Subject: "owner-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}
	noSubject := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	tests := []struct {
		name     string
		secret   string
		audience string
		header   string
	}{
		{name: "no header", secret: testSecret},
		{name: "wrong scheme", secret: testSecret, header: "Basic abc"},
		{name: "empty token", secret: testSecret, header: "Bearer "},
		{name: "bad signature", secret: testSecret, header: "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, "other")},
		{name: "expired", secret: testSecret, header: "Bearer " + signToken(t, expired, jwt.SigningMethodHS256, testSecret)},
		{name: "missing subject", secret: testSecret, header: "Bearer " + signToken(t, noSubject, jwt.SigningMethodHS256, testSecret)},
		{name: "wrong audience", secret: testSecret, audience: "food-api", header: "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, testSecret)},
		{name: "no secret configured", secret: "", header: "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, testSecret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(newRouter(tt.secret, tt.audience), tt.header)
			if resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.Code)
			}
		})
	}
}

func TestJWTMiddlewareAcceptsMatchingAudience(t *testing.T) {
	router := newRouter(testSecret, "food-api")
	token := signToken(t, jwt.RegisteredClaims{
		Subject:   "owner-7",
		Audience:  jwt.ClaimStrings{"other", "food-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, jwt.SigningMethodHS256, testSecret)

	if resp := call(router, "Bearer "+token); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestOwnerIDMissing(t *testing.T) {
	if _, ok := OwnerID(nil); ok { //nolint:staticcheck
		t.Fatal("expected no owner on nil context")
	}
	if _, ok := OwnerID(WithOwnerID(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "")); ok {
		t.Fatal("expected empty owner to be treated as missing")
	}
}
