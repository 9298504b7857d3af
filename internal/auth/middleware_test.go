package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prooflab/prooflab/internal/market"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func runMiddleware(headers map[string]string) *gin.Context {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	Middleware()(c)
	return c
}

func TestMiddleware_SetsActor(t *testing.T) {
	c := runMiddleware(map[string]string{HeaderUserID: "u1", HeaderUserRole: "Seller"})
	actor, ok := GetActor(c)
	require.True(t, ok)
	assert.Equal(t, market.Seller("u1"), actor)
}

func TestMiddleware_IgnoresIncompleteOrReservedIdentity(t *testing.T) {
	cases := []map[string]string{
		{},
		{HeaderUserID: "u1"},
		{HeaderUserRole: "tester"},
		{HeaderUserID: "u1", HeaderUserRole: "superuser"},
		{HeaderUserID: "u1", HeaderUserRole: "system"},
	}
	for _, h := range cases {
		_, ok := GetActor(runMiddleware(h))
		assert.False(t, ok, "headers %v", h)
	}
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/users/:userId", append(mw, func(c *gin.Context) { c.Status(http.StatusOK) })...)
	return r
}

func do(r *gin.Engine, path, id, role string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	if id != "" {
		req.Header.Set(HeaderUserID, id)
		req.Header.Set(HeaderUserRole, role)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireActor(t *testing.T) {
	r := newRouter(RequireActor())
	assert.Equal(t, http.StatusUnauthorized, do(r, "/users/u1", "", ""))
	assert.Equal(t, http.StatusOK, do(r, "/users/u1", "u1", "tester"))
}

func TestRequireRole(t *testing.T) {
	r := newRouter(RequireRole(market.RoleAdmin))
	assert.Equal(t, http.StatusUnauthorized, do(r, "/users/u1", "", ""))
	assert.Equal(t, http.StatusForbidden, do(r, "/users/u1", "u1", "seller"))
	assert.Equal(t, http.StatusOK, do(r, "/users/u1", "root", "admin"))
}

func TestRequireSelfOrAdmin(t *testing.T) {
	r := newRouter(RequireSelfOrAdmin("userId"))
	assert.Equal(t, http.StatusOK, do(r, "/users/u1", "u1", "tester"))
	assert.Equal(t, http.StatusForbidden, do(r, "/users/u1", "u2", "tester"))
	assert.Equal(t, http.StatusOK, do(r, "/users/u1", "root", "admin"))
}
