package labtest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/labflow/internal/platform/cache"
	"github.com/clinic/labflow/internal/platform/db"
)

// Query names a cached read view.
type Query string

const (
	QueryLabOrders       Query = "lab_orders"
	QueryPrescribedTests Query = "prescribed_tests"
	QueryUnified         Query = "unified"
	QueryAdminSummary    Query = "admin_summary"
	QueryRecord          Query = "record"
	QueryStatusHistory   Query = "status_history"

	// querySourceList resolves to lab_orders or prescribed_tests by the
	// provenance of the record a command touched.
	querySourceList Query = "source_list"
)

// Command names a mutating operation.
type Command string

const (
	CommandAdvanceStatus Command = "advance_status"
	CommandRecordPayment Command = "record_payment"
	CommandAttachReports Command = "attach_reports"
	CommandRemoveReport  Command = "remove_report"
	CommandConfirm       Command = "confirm"
	CommandRevert        Command = "revert"
)

// invalidationTable declares, per command, every read view that can contain
// the record it changed. It is the only place commands and views meet.
var invalidationTable = map[Command][]Query{
	CommandAdvanceStatus: {QueryRecord, querySourceList, QueryUnified, QueryAdminSummary, QueryStatusHistory},
	CommandRecordPayment: {QueryRecord, querySourceList, QueryUnified, QueryAdminSummary},
	CommandAttachReports: {QueryRecord, querySourceList, QueryUnified, QueryAdminSummary, QueryStatusHistory},
	CommandRemoveReport:  {QueryRecord, querySourceList, QueryUnified, QueryAdminSummary},
	CommandConfirm:       {QueryRecord, QueryLabOrders, QueryPrescribedTests, QueryUnified, QueryAdminSummary, QueryStatusHistory},
	CommandRevert:        {QueryRecord, QueryLabOrders, QueryPrescribedTests, QueryUnified, QueryAdminSummary, QueryStatusHistory},
}

// recordScoped views are cached per record; bumping them affects one record.
var recordScoped = map[Query]bool{
	QueryRecord:        true,
	QueryStatusHistory: true,
}

// Invalidates resolves the views cmd invalidates for a record of provenance p.
func Invalidates(cmd Command, p Provenance) []Query {
	declared := invalidationTable[cmd]
	out := make([]Query, 0, len(declared))
	for _, q := range declared {
		if q == querySourceList {
			if p == ProvenancePrescribed {
				q = QueryPrescribedTests
			} else {
				q = QueryLabOrders
			}
		}
		out = append(out, q)
	}
	return out
}

// ViewCache caches read views under generation-stamped keys. Invalidating a
// view bumps its generation, so entries written before the bump are never
// read again and age out by TTL.
type ViewCache struct {
	store  cache.Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewViewCache creates a view cache whose entries live for ttl, the
// configured staleness tolerance.
func NewViewCache(store cache.Store, ttl time.Duration, logger zerolog.Logger) *ViewCache {
	return &ViewCache{store: store, ttl: ttl, logger: logger}
}

// namespace keeps clinics from reading each other's views.
func namespace(ctx context.Context) string {
	if clinic := db.ClinicFromContext(ctx); clinic != "" {
		return clinic + ":"
	}
	return "_:"
}

func generationKey(ctx context.Context, q Query, scope string) string {
	if scope == "" {
		return namespace(ctx) + "gen:" + string(q)
	}
	return namespace(ctx) + "gen:" + string(q) + ":" + scope
}

func (v *ViewCache) generation(ctx context.Context, q Query, scope string) (string, error) {
	b, ok, err := v.store.Get(ctx, generationKey(ctx, q, scope))
	if err != nil {
		return "", err
	}
	if !ok {
		return "0", nil
	}
	return string(b), nil
}

// Invalidate applies the invalidation table for cmd on the record id. Cache
// failures are logged; views then age out within the TTL.
func (v *ViewCache) Invalidate(ctx context.Context, cmd Command, id RecordID) []Query {
	queries := Invalidates(cmd, id.Provenance)
	if v == nil {
		return queries
	}
	for _, q := range queries {
		scope := ""
		if recordScoped[q] {
			scope = id.String()
		}
		if _, err := v.store.Incr(ctx, generationKey(ctx, q, scope)); err != nil {
			v.logger.Warn().Err(err).
				Str("command", string(cmd)).
				Str("query", string(q)).
				Str("record_id", id.String()).
				Msg("view invalidation failed")
		}
	}
	return queries
}

// cached returns the view (q, scope, variant) from the cache, or loads and
// stores it. A nil cache always loads.
func cached[T any](ctx context.Context, v *ViewCache, q Query, scope, variant string, load func() (T, error)) (T, error) {
	if v == nil {
		return load()
	}
	gen, err := v.generation(ctx, q, scope)
	if err != nil {
		v.logger.Warn().Err(err).Str("query", string(q)).Msg("view cache unavailable")
		return load()
	}
	key := namespace(ctx) + "view:" + string(q) + ":" + scope + ":" + gen + ":" + variant
	if b, ok, err := v.store.Get(ctx, key); err == nil && ok {
		var out T
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
	}

	out, err := load()
	if err != nil {
		return out, err
	}
	if b, err := json.Marshal(out); err == nil {
		if err := v.store.Set(ctx, key, b, v.ttl); err != nil {
			v.logger.Warn().Err(err).Str("query", string(q)).Msg("view cache write failed")
		}
	}
	return out, nil
}

// queryVariant renders a ListQuery as a cache key component.
func queryVariant(q ListQuery) string {
	s := "status=" + string(q.Status)
	if q.DateFrom != nil {
		s += ";from=" + strconv.FormatInt(q.DateFrom.Unix(), 10)
	}
	if q.DateTo != nil {
		s += ";to=" + strconv.FormatInt(q.DateTo.Unix(), 10)
	}
	return s
}
