package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,48}$`)

// ValidTenantID reports whether id can be used to build a schema name.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// SchemaFor returns the Postgres schema holding a tenant's scheduling tables.
func SchemaFor(tenantID string) string {
	return "tenant_" + tenantID
}

func searchPath(schema string) string {
	return fmt.Sprintf("SET search_path TO %s, public", pgx.Identifier{schema}.Sanitize())
}

// TenantMiddleware resolves the tenant, pins one pooled connection to the
// tenant's schema for the rest of the request and stores both on the request
// context. The connection goes back to the pool with its search_path reset.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable").SetInternal(err)
			}
			defer func() {
				// A pooled connection must not leak one tenant's schema into the next request.
				if _, err := conn.Exec(context.WithoutCancel(ctx), "RESET search_path"); err != nil {
					conn.Conn().Close(context.WithoutCancel(ctx))
				}
				conn.Release()
			}()

			if _, err := conn.Exec(ctx, searchPath(SchemaFor(tenantID))); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed").SetInternal(err)
			}

			ctx = WithTenant(ctx, tenantID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

// extractTenantID prefers the token claim, then the X-Tenant-ID header.
func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	return defaultTenant
}

// WithTenant returns ctx carrying tenantID. Used by background work that
// runs outside the tenant middleware.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithTenantConn runs fn with a connection pinned to the tenant's schema on
// its context, for work that happens outside a request (notifications,
// integration tests).
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, searchPath(SchemaFor(tenantID))); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "RESET search_path")

	ctx = WithTenant(ctx, tenantID)
	return fn(context.WithValue(ctx, DBConnKey, conn))
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the tenant's schema and, when migrations is
// non-nil, brings it up to date.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrations fs.FS) (int, error) {
	if !ValidTenantID(tenantID) {
		return 0, fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	schema := SchemaFor(tenantID)

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return 0, fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrations == nil {
		return 0, nil
	}

	applied, err := NewMigrator(pool, migrations).Up(ctx, schema)
	if err != nil {
		return applied, fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return applied, nil
}
