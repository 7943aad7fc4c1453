package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"dataguard/internal/metadata"
)

// evalScope carries what value references may resolve against.
type evalScope struct {
	userID  string
	context map[string]any
}

// evaluateCondition reports whether cond holds for record. A non-nil error
// means the condition itself is malformed for this record; the condition is
// then false. A record lacking the field never satisfies the condition.
func evaluateCondition(cond metadata.RowCondition, record metadata.Record, scope evalScope) (bool, error) {
	raw, ok := record[cond.Field]
	if !ok {
		return false, nil
	}

	want, err := resolveValue(cond.Value, scope)
	if err != nil {
		return false, err
	}

	switch cond.Operator {
	case metadata.OpEq:
		return equalValue(raw, want), nil
	case metadata.OpNeq:
		return !equalValue(raw, want), nil
	case metadata.OpGt, metadata.OpLt:
		got, ok := toFloat64(raw)
		if !ok || want.Kind != metadata.KindNumber {
			return false, fmt.Errorf("%w: %s needs numbers, got %T and %s", ErrTypeMismatch, cond.Operator, raw, want.Kind)
		}
		if cond.Operator == metadata.OpGt {
			return got > want.Num, nil
		}
		return got < want.Num, nil
	case metadata.OpContains:
		return strings.Contains(textOf(raw), want.Text()), nil
	case metadata.OpStartsWith:
		return strings.HasPrefix(textOf(raw), want.Text()), nil
	case metadata.OpEndsWith:
		return strings.HasSuffix(textOf(raw), want.Text()), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, cond.Operator)
	}
}

// resolveValue replaces $user.id and $ctx.<key> references with literals.
func resolveValue(v metadata.ConditionValue, scope evalScope) (metadata.ConditionValue, error) {
	if !v.IsReference() {
		return v, nil
	}
	if v.Str == metadata.RefUserID {
		if scope.userID == "" {
			return metadata.ConditionValue{}, fmt.Errorf("%w: %s", ErrUnresolvedReference, v.Str)
		}
		return metadata.StringValue(scope.userID), nil
	}
	key := strings.TrimPrefix(v.Str, metadata.RefCtxPrefix)
	raw, ok := scope.context[key]
	if !ok {
		return metadata.ConditionValue{}, fmt.Errorf("%w: %s", ErrUnresolvedReference, v.Str)
	}
	resolved, ok := conditionValueOf(raw)
	if !ok {
		return metadata.ConditionValue{}, fmt.Errorf("%w: %s holds %T", ErrUnresolvedReference, v.Str, raw)
	}
	return resolved, nil
}

// equalValue is structural equality: the record value must have the same
// kind as the operand, so "1" never equals 1.
func equalValue(raw any, want metadata.ConditionValue) bool {
	switch want.Kind {
	case metadata.KindString:
		s, ok := raw.(string)
		return ok && s == want.Str
	case metadata.KindNumber:
		n, ok := toFloat64(raw)
		return ok && n == want.Num
	case metadata.KindBool:
		b, ok := raw.(bool)
		return ok && b == want.Bool
	default:
		return false
	}
}

func conditionValueOf(v any) (metadata.ConditionValue, bool) {
	switch x := v.(type) {
	case string:
		return metadata.StringValue(x), true
	case bool:
		return metadata.BoolValue(x), true
	}
	if n, ok := toFloat64(v); ok {
		return metadata.NumberValue(n), true
	}
	return metadata.ConditionValue{}, false
}

// textOf coerces a record value to the text form text operators compare.
func textOf(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	}
	if n, ok := toFloat64(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// toFloat64 converts numeric types to float64. Strings are never numeric.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint8:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
