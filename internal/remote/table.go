package remote

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Filter is one PostgREST-style row predicate.
type Filter struct {
	Column string
	Op     string
	Value  string
}

func Eq(column string, v any) Filter  { return Filter{column, "eq", encodeValue(v)} }
func Neq(column string, v any) Filter { return Filter{column, "neq", encodeValue(v)} }
func Gt(column string, v any) Filter  { return Filter{column, "gt", encodeValue(v)} }
func Gte(column string, v any) Filter { return Filter{column, "gte", encodeValue(v)} }
func Lt(column string, v any) Filter  { return Filter{column, "lt", encodeValue(v)} }
func Lte(column string, v any) Filter { return Filter{column, "lte", encodeValue(v)} }

// IsNull matches rows where the column is NULL.
func IsNull(column string) Filter { return Filter{column, "is", "null"} }

// NotNull matches rows where the column is set.
func NotNull(column string) Filter { return Filter{column, "not.is", "null"} }

// In matches rows where the column equals any of the values.
func In(column string, values ...string) Filter {
	return Filter{column, "in", "(" + strings.Join(values, ",") + ")"}
}

func encodeValue(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Query tweaks a Select beyond row predicates.
type Query struct {
	Order   string // e.g. "updated_at.asc"
	Limit   int
	Filters []Filter
}

// TableClient is the REST table API: typed CRUD over /rest/v1 rows. Every
// call is guarded by WithAuthRetry; reads additionally retry transient blips.
type TableClient struct {
	client *Client
	auth   Authorizer
}

func NewTableClient(client *Client, auth Authorizer) *TableClient {
	return &TableClient{client: client, auth: auth}
}

func tablePath(table string, q Query) string {
	values := url.Values{}
	for _, f := range q.Filters {
		values.Add(f.Column, f.Op+"."+f.Value)
	}
	if q.Order != "" {
		values.Set("order", q.Order)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/rest/v1/" + table
	if enc := values.Encode(); enc != "" {
		path += "?" + enc
	}
	return path
}

// Select reads rows into dest (a pointer to a slice of row structs).
func (t *TableClient) Select(ctx context.Context, table string, dest any, filters ...Filter) error {
	return t.SelectQuery(ctx, table, Query{Filters: filters}, dest)
}

// SelectQuery reads rows with ordering/limit control.
func (t *TableClient) SelectQuery(ctx context.Context, table string, q Query, dest any) error {
	path := tablePath(table, q)
	return withTransientRetry(ctx, 2, func(ctx context.Context) error {
		return WithAuthRetry(ctx, t.auth, func(token string) error {
			return t.client.do(ctx, "GET", path, nil, token, nil, dest)
		})
	})
}

// Insert creates rows and decodes the created representation into dest
// (nil dest skips the representation).
func (t *TableClient) Insert(ctx context.Context, table string, rows any, dest any) error {
	headers := map[string]string{"Prefer": "return=representation"}
	if dest == nil {
		headers["Prefer"] = "return=minimal"
	}
	return WithAuthRetry(ctx, t.auth, func(token string) error {
		return t.client.do(ctx, "POST", "/rest/v1/"+table, headers, token, rows, dest)
	})
}

// Update patches all rows matching the filters and decodes the updated rows
// into dest. An empty result with a non-nil dest is how callers detect that
// an optimistic filter no longer matched.
func (t *TableClient) Update(ctx context.Context, table string, patch any, dest any, filters ...Filter) error {
	path := tablePath(table, Query{Filters: filters})
	headers := map[string]string{"Prefer": "return=representation"}
	if dest == nil {
		headers["Prefer"] = "return=minimal"
	}
	return WithAuthRetry(ctx, t.auth, func(token string) error {
		return t.client.do(ctx, "PATCH", path, headers, token, patch, dest)
	})
}

// Delete removes all rows matching the filters.
func (t *TableClient) Delete(ctx context.Context, table string, filters ...Filter) error {
	path := tablePath(table, Query{Filters: filters})
	return WithAuthRetry(ctx, t.auth, func(token string) error {
		return t.client.do(ctx, "DELETE", path, nil, token, nil, nil)
	})
}

// Upsert inserts rows, merging with existing rows on the conflict key.
func (t *TableClient) Upsert(ctx context.Context, table string, rows any, conflictKey string, dest any) error {
	path := "/rest/v1/" + table + "?on_conflict=" + url.QueryEscape(conflictKey)
	headers := map[string]string{"Prefer": "resolution=merge-duplicates,return=representation"}
	if dest == nil {
		headers["Prefer"] = "resolution=merge-duplicates,return=minimal"
	}
	return WithAuthRetry(ctx, t.auth, func(token string) error {
		return t.client.do(ctx, "POST", path, headers, token, rows, dest)
	})
}
