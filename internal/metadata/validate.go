package metadata

import (
	"fmt"
	"regexp"
)

var validOperators = map[ConditionOperator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpLt: true,
	OpContains: true, OpStartsWith: true, OpEndsWith: true,
}

var validStrategies = map[MaskingStrategy]bool{
	StrategyFull: true, StrategyPartial: true, StrategyHash: true,
	StrategyTruncate: true, StrategyCustom: true,
}

var validDataTypes = map[SensitiveDataType]bool{
	DataPersonalID: true, DataPhone: true, DataEmail: true, DataAddress: true,
	DataFinancial: true, DataHealth: true, DataPassword: true, DataAPIKey: true,
}

// ValidOperator reports whether op is a supported row condition operator.
func ValidOperator(op ConditionOperator) bool { return validOperators[op] }

// ValidDataType reports whether t is a known sensitive data type.
func ValidDataType(t SensitiveDataType) bool { return validDataTypes[t] }

func validatePermissions(where string, perms []Permission) error {
	for _, p := range perms {
		if !p.Valid() {
			return fmt.Errorf("%s: invalid permission %q", where, p.String())
		}
	}
	return nil
}

func ValidateRole(r *Role) error {
	if r.ID == "" {
		return fmt.Errorf("role id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("role %s: name is required", r.ID)
	}
	return validatePermissions("role "+r.ID, r.Permissions)
}

func ValidateGroup(g *PermissionGroup) error {
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	if g.Name == "" {
		return fmt.Errorf("group %s: name is required", g.ID)
	}
	for _, parent := range g.ParentGroups {
		if parent == g.ID {
			return fmt.Errorf("group %s: cannot inherit from itself", g.ID)
		}
	}
	return validatePermissions("group "+g.ID, g.Permissions)
}

func ValidateUser(u *UserPermissions) error {
	if u.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return validatePermissions("user "+u.UserID, u.DirectPermissions)
}

func ValidatePolicy(p *DataAccessPolicy) error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("policy %s: name is required", p.ID)
	}
	for i, f := range p.FieldAccessControls {
		where := fmt.Sprintf("policy %s field rule %d", p.ID, i)
		if f.Resource == "" || f.Field == "" {
			return fmt.Errorf("%s: resource and field are required", where)
		}
		if err := validatePermissions(where, f.RequiredPermissions); err != nil {
			return err
		}
		if f.Masking != nil {
			if err := ValidateMaskingRule(f.Masking); err != nil {
				return fmt.Errorf("%s: %w", where, err)
			}
		}
	}
	for i, r := range p.RowAccessControls {
		where := fmt.Sprintf("policy %s row rule %d", p.ID, i)
		if r.Resource == "" {
			return fmt.Errorf("%s: resource is required", where)
		}
		if err := validatePermissions(where, r.RequiredPermissions); err != nil {
			return err
		}
		for _, c := range r.Conditions {
			if c.Field == "" {
				return fmt.Errorf("%s: condition field is required", where)
			}
			if !ValidOperator(c.Operator) {
				return fmt.Errorf("%s: unsupported operator %q", where, c.Operator)
			}
			if c.Value.Kind == KindInvalid {
				return fmt.Errorf("%s: condition on %s has no value", where, c.Field)
			}
		}
	}
	return nil
}

func ValidateMaskingRule(m *MaskingRule) error {
	if !ValidDataType(m.DataType) {
		return fmt.Errorf("unknown data type %q", m.DataType)
	}
	if !validStrategies[m.Strategy] {
		return fmt.Errorf("unknown masking strategy %q", m.Strategy)
	}
	if m.Strategy == StrategyCustom && m.CustomFunc == "" {
		return fmt.Errorf("custom strategy requires custom_func")
	}
	if m.Pattern != "" {
		if _, err := regexp.Compile(m.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	}
	return validatePermissions("masking exemptions", m.ExemptPermissions)
}
