package segmentation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// eligibility is applied to every resolution: the user must have opted in
// to marketing, verified the address, never hard-bounced, not unsubscribed
// and not deleted the account.
var eligibility = []string{
	"u.marketing_opt_in = TRUE",
	"u.email_verified = TRUE",
	"u.email_hard_bounced = FALSE",
	"u.unsubscribed_at IS NULL",
	"u.deleted_at IS NULL",
}

// QueryBuilder compiles condition groups into parameterized SQL over the
// users table.
type QueryBuilder struct {
	args       []interface{}
	argCounter int
}

// NewQueryBuilder creates a QueryBuilder.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{argCounter: 1}
}

func (qb *QueryBuilder) reset() {
	qb.args = nil
	qb.argCounter = 1
}

// nextArg returns the next argument placeholder.
func (qb *QueryBuilder) nextArg(value interface{}) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

// BuildQuery returns the recipient SELECT for group, excluding excludeIDs.
// Rows are ordered by id so the result is stable.
func (qb *QueryBuilder) BuildQuery(group *ConditionGroup, excludeIDs []string) (string, []interface{}, error) {
	where, err := qb.buildWhere(group, excludeIDs)
	if err != nil {
		return "", nil, err
	}
	query := `SELECT u.id, u.email, COALESCE(u.display_name, ''), COALESCE(u.first_name, ''), COALESCE(u.last_name, '')
FROM users u
WHERE ` + where + `
ORDER BY u.id`
	return query, qb.args, nil
}

// BuildCountQuery returns the COUNT(*) form of BuildQuery.
func (qb *QueryBuilder) BuildCountQuery(group *ConditionGroup, excludeIDs []string) (string, []interface{}, error) {
	where, err := qb.buildWhere(group, excludeIDs)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM users u\nWHERE " + where, qb.args, nil
}

func (qb *QueryBuilder) buildWhere(group *ConditionGroup, excludeIDs []string) (string, error) {
	qb.reset()

	where := append([]string{}, eligibility...)
	if !group.IsEmpty() {
		cond, err := qb.buildGroupCondition(*group)
		if err != nil {
			return "", err
		}
		if cond != "" {
			where = append(where, "("+cond+")")
		}
	}
	if len(excludeIDs) > 0 {
		where = append(where, fmt.Sprintf("NOT (u.id = ANY(%s))", qb.nextArg(pq.Array(excludeIDs))))
	}
	return strings.Join(where, "\n  AND "), nil
}

func (qb *QueryBuilder) buildGroupCondition(group ConditionGroup) (string, error) {
	var parts []string
	for _, cond := range group.Conditions {
		sql, err := qb.buildCondition(cond)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	for _, sub := range group.Groups {
		subSQL, err := qb.buildGroupCondition(sub)
		if err != nil {
			return "", err
		}
		if subSQL != "" {
			parts = append(parts, "("+subSQL+")")
		}
	}
	if len(parts) == 0 {
		return "", nil
	}

	var op string
	switch strings.ToUpper(string(group.Logic)) {
	case "", string(LogicAnd):
		op = " AND "
	case string(LogicOr):
		op = " OR "
	default:
		return "", fmt.Errorf("unsupported logic operator: %q", group.Logic)
	}

	result := strings.Join(parts, op)
	if group.Negated {
		result = "NOT (" + result + ")"
	}
	return result, nil
}

func (qb *QueryBuilder) buildCondition(cond Condition) (string, error) {
	def, ok := fields[cond.Field]
	if !ok {
		return "", fmt.Errorf("unknown segment field: %q", cond.Field)
	}
	field := def.expr

	switch cond.Operator {
	case OpEquals:
		return fmt.Sprintf("%s = %s", field, qb.nextArg(cond.Value)), nil
	case OpNotEquals:
		return fmt.Sprintf("%s IS DISTINCT FROM %s", field, qb.nextArg(cond.Value)), nil
	case OpContains:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg("%"+escapeLike(cond.Value)+"%")), nil
	case OpNotContains:
		return fmt.Sprintf("%s NOT ILIKE %s", field, qb.nextArg("%"+escapeLike(cond.Value)+"%")), nil
	case OpStartsWith:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg(escapeLike(cond.Value)+"%")), nil
	case OpIsEmpty:
		return fmt.Sprintf("(%s IS NULL OR %s::text = '')", field, field), nil
	case OpIsNotEmpty:
		return fmt.Sprintf("(%s IS NOT NULL AND %s::text != '')", field, field), nil

	case OpGt, OpGte, OpLt, OpLte:
		if def.typ == FieldNumber {
			if _, err := strconv.ParseFloat(cond.Value, 64); err != nil {
				return "", fmt.Errorf("field %s: %q is not a number", cond.Field, cond.Value)
			}
		}
		return fmt.Sprintf("%s %s %s", field, comparison[cond.Operator], qb.nextArg(cond.Value)), nil

	case OpIn:
		return fmt.Sprintf("%s = ANY(%s)", field, qb.nextArg(pq.Array(cond.Values))), nil
	case OpNotIn:
		return fmt.Sprintf("NOT (%s = ANY(%s))", field, qb.nextArg(pq.Array(cond.Values))), nil

	case OpIsTrue, OpIsFalse:
		if def.typ != FieldBoolean {
			return "", fmt.Errorf("field %s is not boolean", cond.Field)
		}
		return fmt.Sprintf("%s = %t", field, cond.Operator == OpIsTrue), nil

	case OpInLastDays, OpNotInLastDays:
		if def.typ != FieldDate {
			return "", fmt.Errorf("field %s is not a date", cond.Field)
		}
		days, err := strconv.Atoi(cond.Value)
		if err != nil || days < 0 {
			return "", fmt.Errorf("field %s: %q is not a day count", cond.Field, cond.Value)
		}
		arg := qb.nextArg(days)
		if cond.Operator == OpInLastDays {
			return fmt.Sprintf("%s >= NOW() - make_interval(days => %s)", field, arg), nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s < NOW() - make_interval(days => %s))", field, field, arg), nil

	default:
		return "", fmt.Errorf("unsupported operator: %s", cond.Operator)
	}
}

var comparison = map[Operator]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}
