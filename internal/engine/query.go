// ABOUTME: Minimal record query: equality conditions, one sort key, and a limit
// ABOUTME: Applied in memory over the records visible to a session

package engine

import (
	"fmt"
	"sort"
	"strconv"
)

// Query selects records of one entity.
type Query struct {
	Entity     string
	Where      map[string]any
	OrderBy    string // field name; empty sorts by ID
	Descending bool
	Limit      int
}

// From starts a query for entity.
func From(entity string) Query { return Query{Entity: entity} }

// Condition adds an equality condition.
func (q Query) Condition(field string, value any) Query {
	where := make(map[string]any, len(q.Where)+1)
	for k, v := range q.Where {
		where[k] = v
	}
	where[field] = value
	q.Where = where
	return q
}

// Sort sets the sort key.
func (q Query) Sort(field string, ascending bool) Query {
	q.OrderBy = field
	q.Descending = !ascending
	return q
}

// Take limits the number of results. Zero means no limit.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

func (q Query) apply(records []*Record) []*Record {
	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		if q.matches(rec) {
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		c := compareValues(q.sortValue(out[i]), q.sortValue(out[j]))
		if q.Descending {
			return c > 0
		}
		return c < 0
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (q Query) matches(rec *Record) bool {
	for field, want := range q.Where {
		got, ok := rec.Fields[field]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (q Query) sortValue(rec *Record) any {
	if q.OrderBy == "" {
		return rec.ID
	}
	return rec.Fields[q.OrderBy]
}

// compareValues orders numbers numerically and everything else by its
// string form. Missing values sort first.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}

	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
