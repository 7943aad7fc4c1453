package engine

import (
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"dataguard/internal/metadata"
)

// AccessEvaluator applies a policy's row and field rules to records. It is
// stateless apart from its masker: output depends only on the records, the
// effective permissions and the policy.
type AccessEvaluator struct {
	masker  *Masker
	logger  *zap.Logger
	metrics *Metrics
}

func NewAccessEvaluator(masker *Masker, logger *zap.Logger) *AccessEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessEvaluator{masker: masker, logger: logger}
}

// FilterResult is the output of a bulk filter.
type FilterResult struct {
	Records []metadata.Record
	Dropped int
	Removed int // field values omitted
	Masked  int // field values masked
}

// FilterAndMask drops records failing any row rule of resource, then applies
// field rules to the survivors. Input records are never modified. A nil or
// inactive policy passes copies of every record through.
func (a *AccessEvaluator) FilterAndMask(userID, resource string, records []metadata.Record, perms metadata.PermissionSet, policy *metadata.DataAccessPolicy, evalCtx map[string]any) FilterResult {
	res := FilterResult{Records: make([]metadata.Record, 0, len(records))}
	if policy == nil || !policy.IsActive {
		for _, rec := range records {
			res.Records = append(res.Records, maps.Clone(rec))
		}
		return res
	}

	rows := a.rowRules(resource, policy)
	scope := evalScope{userID: userID, context: evalCtx}
	warned := make(map[string]bool)

	for _, rec := range records {
		if !a.rowVisible(rows, rec, perms, scope, warned) {
			res.Dropped++
			continue
		}
		out, removed, masked := a.applyFields(resource, rec, perms, policy)
		res.Removed += removed
		res.Masked += masked
		res.Records = append(res.Records, out)
	}

	a.metrics.recordRowsDropped(resource, res.Dropped)
	return res
}

// ApplyFieldControls applies only the field rules of resource to a copy of record.
func (a *AccessEvaluator) ApplyFieldControls(resource string, record metadata.Record, perms metadata.PermissionSet, policy *metadata.DataAccessPolicy) metadata.Record {
	if policy == nil || !policy.IsActive {
		return maps.Clone(record)
	}
	out, _, _ := a.applyFields(resource, record, perms, policy)
	return out
}

func (a *AccessEvaluator) rowRules(resource string, policy *metadata.DataAccessPolicy) []metadata.RowAccessControl {
	var out []metadata.RowAccessControl
	for _, r := range policy.RowAccessControls {
		if r.Resource == resource {
			out = append(out, r)
		}
	}
	return out
}

// rowVisible reports whether rec passes every rule: the user holds all of a
// rule's required permissions and every one of its conditions holds.
func (a *AccessEvaluator) rowVisible(rules []metadata.RowAccessControl, rec metadata.Record, perms metadata.PermissionSet, scope evalScope, warned map[string]bool) bool {
	for i, rule := range rules {
		if !perms.HasAll(rule.RequiredPermissions) {
			return false
		}
		for j, cond := range rule.Conditions {
			ok, err := evaluateCondition(cond, rec, scope)
			if err != nil {
				a.warnCondition(i, j, cond, err, warned)
				return false
			}
			if !ok {
				return false
			}
		}
	}
	return true
}

// warnCondition logs a malformed condition once per filter call.
func (a *AccessEvaluator) warnCondition(rule, cond int, c metadata.RowCondition, err error, warned map[string]bool) {
	key := fmt.Sprintf("%d/%d/%s", rule, cond, err)
	if warned[key] {
		return
	}
	warned[key] = true

	kind := "condition"
	switch {
	case errors.Is(err, ErrUnsupportedOperator):
		kind = "unsupported_operator"
	case errors.Is(err, ErrTypeMismatch):
		kind = "type_mismatch"
	case errors.Is(err, ErrUnresolvedReference):
		kind = "unresolved_reference"
	}
	a.logger.Warn("row condition evaluated to false",
		zap.String("field", c.Field),
		zap.String("operator", string(c.Operator)),
		zap.String("kind", kind),
		zap.Error(err))
	a.metrics.recordRuleWarning(kind)
}

func (a *AccessEvaluator) applyFields(resource string, rec metadata.Record, perms metadata.PermissionSet, policy *metadata.DataAccessPolicy) (metadata.Record, int, int) {
	out := maps.Clone(rec)
	if out == nil {
		out = metadata.Record{}
	}
	removed, masked := 0, 0
	for _, fc := range policy.FieldAccessControls {
		if fc.Resource != resource {
			continue
		}
		val, ok := out[fc.Field]
		if !ok {
			continue
		}
		if !perms.HasAll(fc.RequiredPermissions) {
			delete(out, fc.Field)
			removed++
			a.metrics.recordFieldRemoved(resource)
			continue
		}
		if fc.Masking == nil || perms.HasAny(fc.Masking.ExemptPermissions) {
			continue
		}
		if val == nil {
			continue
		}
		s, isString := val.(string)
		if !isString {
			s = textOf(val)
		}
		out[fc.Field] = a.masker.Apply(s, *fc.Masking)
		masked++
		a.metrics.recordFieldMasked(resource, string(fc.Masking.Strategy))
	}
	return out, removed, masked
}
