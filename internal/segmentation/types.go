package segmentation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a comparison operator in a segment condition.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"

	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"

	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"

	OpIsTrue  Operator = "is_true"
	OpIsFalse Operator = "is_false"

	OpInLastDays    Operator = "in_last_days"
	OpNotInLastDays Operator = "not_in_last_days"
)

// LogicOperator combines the members of a group.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// FieldType is the SQL type family of a segmentable field.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
)

// fieldDef maps a public field name to the SQL expression over users u.
type fieldDef struct {
	expr string
	typ  FieldType
}

// fields is the closed set of user attributes a segment may filter on.
// Field names never reach SQL any other way.
var fields = map[string]fieldDef{
	"email":          {"u.email", FieldText},
	"first_name":     {"u.first_name", FieldText},
	"last_name":      {"u.last_name", FieldText},
	"display_name":   {"u.display_name", FieldText},
	"gender":         {"u.gender", FieldText},
	"looking_for":    {"u.looking_for", FieldText},
	"city":           {"u.city", FieldText},
	"country":        {"u.country", FieldText},
	"age":            {"DATE_PART('year', AGE(u.birth_date))", FieldNumber},
	"is_premium":     {"u.is_premium", FieldBoolean},
	"photo_verified": {"u.photo_verified", FieldBoolean},
	"created_at":     {"u.created_at", FieldDate},
	"last_active_at": {"u.last_active_at", FieldDate},
}

// Condition is one predicate on a user attribute.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
}

// ConditionGroup combines conditions and nested groups with AND or OR.
type ConditionGroup struct {
	Logic      LogicOperator    `json:"logic"`
	Negated    bool             `json:"negated,omitempty"`
	Conditions []Condition      `json:"conditions,omitempty"`
	Groups     []ConditionGroup `json:"groups,omitempty"`
}

// IsEmpty reports whether the group has nothing to filter on.
func (g *ConditionGroup) IsEmpty() bool {
	if g == nil {
		return true
	}
	if len(g.Conditions) > 0 {
		return false
	}
	for i := range g.Groups {
		if !g.Groups[i].IsEmpty() {
			return false
		}
	}
	return true
}

// ParseConditions decodes a stored segment definition. Empty input and
// JSON null decode to a nil group, meaning "no extra filter".
func ParseConditions(data []byte) (*ConditionGroup, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return nil, nil
	}
	var g ConditionGroup
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse segment conditions: %w", err)
	}
	return &g, nil
}
