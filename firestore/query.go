package firestore

import (
	"fmt"
)

// Operator enumerates the field comparisons a query condition can apply.
type Operator int

const (
	Equal Operator = iota
	NotEqual
	GreaterThan
	GreaterThanOrEqual
	LessThan
	LessThanOrEqual
	ArrayContains
	ArrayContainsAny
	In
	NotIn
)

// String returns the operator's wire name.
func (self Operator) String() string {
	switch self {
	case Equal:
		return "EQUAL"
	case NotEqual:
		return "NOT_EQUAL"
	case GreaterThan:
		return "GREATER_THAN"
	case GreaterThanOrEqual:
		return "GREATER_THAN_OR_EQUAL"
	case LessThan:
		return "LESS_THAN"
	case LessThanOrEqual:
		return "LESS_THAN_OR_EQUAL"
	case ArrayContains:
		return "ARRAY_CONTAINS"
	case ArrayContainsAny:
		return "ARRAY_CONTAINS_ANY"
	case In:
		return "IN"
	case NotIn:
		return "NOT_IN"
	}
	panic(fmt.Sprintf("invalid operator %d", int(self)))
}

// Condition compares a document field against a reference value. Field is
// a dotted field path; Value is encoded with the wire codec, so numbers
// compare as doubles.
type Condition struct {
	Field string
	Op    Operator
	Value any
}

// Direction orders query results on a field.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (self Direction) String() string {
	if self == Descending {
		return "DESCENDING"
	}
	return "ASCENDING"
}

// OrderBy sorts query results by one field.
type OrderBy struct {
	Field     string
	Direction Direction
}

// Query describes a filtered read over one collection. Conditions combine
// with AND. A Limit above zero caps the result count; zero or negative
// means no cap. First is accepted for symmetry with Limit but is not sent:
// the compiler has no offset support.
type Query struct {
	Conditions []Condition
	OrderBy    []OrderBy
	Limit      int
	First      int
}

// compileQuery builds the runQuery envelope for executing q against the
// collection named by path. The final path segment is the collection id;
// the segments before it name the parent document, resolved against the
// session's resource root.
func compileQuery(q *Query, docRoot string, path string) (parent string, body map[string]any) {
	parent, collectionID := splitParentAndID(path)

	sq := map[string]any{
		"from": []any{
			map[string]any{"collectionId": collectionID},
		},
	}

	if len(q.Conditions) > 0 {
		filters := make([]any, 0, len(q.Conditions))
		for _, c := range q.Conditions {
			filters = append(filters, map[string]any{
				"fieldFilter": map[string]any{
					"field": map[string]any{"fieldPath": c.Field},
					"op":    c.Op.String(),
					"value": EncodeValue(c.Value),
				},
			})
		}
		sq["where"] = map[string]any{
			"compositeFilter": map[string]any{
				"filters": filters,
				"op":      "AND",
			},
		}
	}

	if len(q.OrderBy) > 0 {
		orderBy := make([]any, 0, len(q.OrderBy))
		for _, o := range q.OrderBy {
			orderBy = append(orderBy, map[string]any{
				"field":     map[string]any{"fieldPath": o.Field},
				"direction": o.Direction.String(),
			})
		}
		sq["orderBy"] = orderBy
	}

	if q.Limit > 0 {
		sq["limit"] = q.Limit
	}

	parentResource := docRoot
	if parent != "" {
		parentResource += "/" + parent
	}
	body = map[string]any{
		"structuredQuery": sq,
		"parent":          parentResource,
	}
	return parent, body
}
