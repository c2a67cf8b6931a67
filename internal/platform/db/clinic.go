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

	"github.com/clinic/labflow/internal/platform/auth"
)

type contextKey string

const (
	ClinicIDKey contextKey = "clinic_id"
	DBConnKey   contextKey = "db_conn"
)

// ClinicHeader lets unauthenticated tooling and dev setups pick a clinic
// when the token carries none.
const ClinicHeader = "X-Clinic-ID"

var clinicIDPattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// ValidClinicID reports whether id can name a clinic schema.
func ValidClinicID(id string) bool {
	return clinicIDPattern.MatchString(id)
}

// SchemaFor returns the Postgres schema holding a clinic's data.
func SchemaFor(clinicID string) string {
	return "clinic_" + clinicID
}

// ClinicMiddleware pins one pooled connection to the request with its
// search_path set to the caller's clinic schema. Repositories pick it up via
// ConnFromContext.
func ClinicMiddleware(pool *pgxpool.Pool, defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clinicID := extractClinicID(c, defaultClinic)
			if !ValidClinicID(clinicID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, searchPath(clinicID)); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "clinic resolution failed")
			}
			// Pooled connections are reused across clinics.
			defer conn.Exec(context.Background(), "RESET search_path")

			ctx = context.WithValue(ctx, ClinicIDKey, clinicID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("clinic_id", clinicID)

			return next(c)
		}
	}
}

func searchPath(clinicID string) string {
	return fmt.Sprintf("SET search_path TO %s, public", pgx.Identifier{SchemaFor(clinicID)}.Sanitize())
}

// extractClinicID prefers the token's clinic, then the header, then the
// configured default.
func extractClinicID(c echo.Context, defaultClinic string) string {
	if id, ok := c.Get(auth.ClinicContextKey).(string); ok && id != "" {
		return id
	}
	if id := c.Request().Header.Get(ClinicHeader); id != "" {
		return id
	}
	return defaultClinic
}

// ConnFromContext retrieves the clinic-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// ClinicFromContext retrieves the clinic ID from context.
func ClinicFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ClinicIDKey).(string)
	return id
}

// CreateClinicSchema creates a clinic's schema and migrates it. A nil
// migrations filesystem only creates the schema.
func CreateClinicSchema(ctx context.Context, pool *pgxpool.Pool, clinicID string, migrations fs.FS) (int, error) {
	if !ValidClinicID(clinicID) {
		return 0, fmt.Errorf("invalid clinic identifier: %q", clinicID)
	}
	schema := SchemaFor(clinicID)

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return 0, fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrations == nil {
		return 0, nil
	}
	n, err := NewMigrator(pool, migrations).Up(ctx, schema)
	if err != nil {
		return n, fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return n, nil
}
