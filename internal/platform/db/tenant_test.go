package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(req *http.Request) echo.Context {
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func TestExtractTenantID(t *testing.T) {
	t.Run("jwt claim wins", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "from_header")
		c := newContext(req)
		c.Set("jwt_tenant_id", "city_clinic")
		assert.Equal(t, "city_clinic", extractTenantID(c, "default"))
	})

	t.Run("header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "lakeside")
		assert.Equal(t, "lakeside", extractTenantID(newContext(req), "default"))
	})

	t.Run("empty claim falls through", func(t *testing.T) {
		c := newContext(httptest.NewRequest(http.MethodGet, "/", nil))
		c.Set("jwt_tenant_id", "")
		assert.Equal(t, "default", extractTenantID(c, "default"))
	})

	t.Run("query parameter is ignored", func(t *testing.T) {
		c := newContext(httptest.NewRequest(http.MethodGet, "/?tenant_id=other", nil))
		assert.Equal(t, "default", extractTenantID(c, "default"))
	})
}

func TestValidTenantID(t *testing.T) {
	for _, id := range []string{"default", "city_clinic", "T1"} {
		assert.True(t, ValidTenantID(id), id)
	}
	for _, id := range []string{"", "a-b", "x;DROP SCHEMA", "tenant.one", strings.Repeat("a", 49)} {
		assert.False(t, ValidTenantID(id), id)
	}
}

func TestSchemaFor(t *testing.T) {
	assert.Equal(t, "tenant_default", SchemaFor("default"))
	assert.Equal(t, `SET search_path TO "tenant_city", public`, searchPath(SchemaFor("city")))
}

func TestTenantMiddleware_RejectsInvalidTenant(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "bad-tenant")
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	err := TenantMiddleware(nil, "default")(func(echo.Context) error {
		called = true
		return nil
	})(c)

	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)
	assert.False(t, called)
}

func TestTenantContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TenantFromContext(ctx))
	assert.Nil(t, ConnFromContext(ctx))

	ctx = WithTenant(ctx, "lakeside")
	assert.Equal(t, "lakeside", TenantFromContext(ctx))
}

func TestCreateTenantSchema_InvalidID(t *testing.T) {
	_, err := CreateTenantSchema(context.Background(), nil, "no spaces", nil)
	assert.ErrorContains(t, err, "invalid tenant identifier")
}
