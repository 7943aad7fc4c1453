package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Record is one already-fetched row of external data.
type Record = map[string]any

// DataAccessPolicy groups field and row rules. Inactive policies contribute no rules.
type DataAccessPolicy struct {
	ID                  string               `json:"id" yaml:"id"`
	Name                string               `json:"name" yaml:"name"`
	Description         string               `json:"description,omitempty" yaml:"description,omitempty"`
	FieldAccessControls []FieldAccessControl `json:"field_access_controls" yaml:"field_access_controls"`
	RowAccessControls   []RowAccessControl   `json:"row_access_controls" yaml:"row_access_controls"`
	IsActive            bool                 `json:"is_active" yaml:"is_active"`
}

// Resources returns every resource named by the policy's rules.
func (p *DataAccessPolicy) Resources() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(r string) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, f := range p.FieldAccessControls {
		add(f.Resource)
	}
	for _, r := range p.RowAccessControls {
		add(r.Resource)
	}
	return out
}

// FieldAccessControl: viewing Field on Resource requires all RequiredPermissions.
// When Masking is set the value is masked unless the user holds an exempt permission.
type FieldAccessControl struct {
	Resource            string       `json:"resource" yaml:"resource"`
	Field               string       `json:"field" yaml:"field"`
	RequiredPermissions []Permission `json:"required_permissions" yaml:"required_permissions"`
	Masking             *MaskingRule `json:"masking,omitempty" yaml:"masking,omitempty"`
}

// RowAccessControl: a record is visible only if the user holds all
// RequiredPermissions and every condition holds.
type RowAccessControl struct {
	Resource            string         `json:"resource" yaml:"resource"`
	Conditions          []RowCondition `json:"conditions" yaml:"conditions"`
	RequiredPermissions []Permission   `json:"required_permissions" yaml:"required_permissions"`
	Description         string         `json:"description,omitempty" yaml:"description,omitempty"`
}

// ConditionOperator names a row condition comparison.
type ConditionOperator string

const (
	OpEq         ConditionOperator = "eq"
	OpNeq        ConditionOperator = "neq"
	OpGt         ConditionOperator = "gt"
	OpLt         ConditionOperator = "lt"
	OpContains   ConditionOperator = "contains"
	OpStartsWith ConditionOperator = "startsWith"
	OpEndsWith   ConditionOperator = "endsWith"
)

// RowCondition compares one record field against a value.
type RowCondition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    ConditionValue    `json:"value" yaml:"value"`
}

// ValueKind tags the payload held by a ConditionValue.
type ValueKind int

const (
	KindInvalid ValueKind = iota
	KindString
	KindNumber
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// ConditionValue is a string, number or boolean comparison operand.
type ConditionValue struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

func StringValue(s string) ConditionValue  { return ConditionValue{Kind: KindString, Str: s} }
func NumberValue(n float64) ConditionValue { return ConditionValue{Kind: KindNumber, Num: n} }
func BoolValue(b bool) ConditionValue      { return ConditionValue{Kind: KindBool, Bool: b} }

// Value reference prefixes resolved against the evaluation context.
const (
	RefUserID    = "$user.id"
	RefCtxPrefix = "$ctx."
)

// IsReference reports whether the value names the acting user or a context key
// rather than a literal.
func (v ConditionValue) IsReference() bool {
	return v.Kind == KindString && (v.Str == RefUserID || strings.HasPrefix(v.Str, RefCtxPrefix))
}

// Text renders the value the way text operators see it.
func (v ConditionValue) Text() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

func (v ConditionValue) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

func (v ConditionValue) String() string {
	return fmt.Sprintf("%s(%s)", v.Kind, v.Text())
}

func (v ConditionValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *ConditionValue) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case string:
		*v = StringValue(x)
	case float64:
		*v = NumberValue(x)
	case bool:
		*v = BoolValue(x)
	default:
		return fmt.Errorf("condition value must be a string, number or boolean, got %s", string(b))
	}
	return nil
}

func (v ConditionValue) MarshalYAML() (any, error) {
	return v.Interface(), nil
}

func (v *ConditionValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: condition value must be a scalar", node.Line)
	}
	switch node.Tag {
	case "!!str":
		*v = StringValue(node.Value)
	case "!!int", "!!float":
		var n float64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*v = NumberValue(n)
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*v = BoolValue(b)
	default:
		return fmt.Errorf("line %d: unsupported condition value tag %s", node.Line, node.Tag)
	}
	return nil
}

// SensitiveDataType classifies a masked field.
type SensitiveDataType string

const (
	DataPersonalID SensitiveDataType = "personal_id"
	DataPhone      SensitiveDataType = "phone"
	DataEmail      SensitiveDataType = "email"
	DataAddress    SensitiveDataType = "address"
	DataFinancial  SensitiveDataType = "financial"
	DataHealth     SensitiveDataType = "health"
	DataPassword   SensitiveDataType = "password"
	DataAPIKey     SensitiveDataType = "api_key"
)

// MaskingStrategy names an obfuscation algorithm.
type MaskingStrategy string

const (
	StrategyFull     MaskingStrategy = "full"
	StrategyPartial  MaskingStrategy = "partial"
	StrategyHash     MaskingStrategy = "hash"
	StrategyTruncate MaskingStrategy = "truncate"
	StrategyCustom   MaskingStrategy = "custom"
)

// MaskingRule describes how a sensitive value is displayed. CustomFunc names
// a mask function registered with the masking engine so the rule stays
// serializable.
type MaskingRule struct {
	DataType          SensitiveDataType `json:"data_type" yaml:"data_type"`
	Strategy          MaskingStrategy   `json:"strategy" yaml:"strategy"`
	Pattern           string            `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	CustomFunc        string            `json:"custom_func,omitempty" yaml:"custom_func,omitempty"`
	ExemptPermissions []Permission      `json:"exempt_permissions,omitempty" yaml:"exempt_permissions,omitempty"`
}
