package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"dataguard/internal/metadata"
)

func TestEvaluateCondition_Operators(t *testing.T) {
	rec := metadata.Record{
		"owner":  "alice",
		"amount": float64(250),
		"count":  int64(3),
		"active": true,
		"region": "eu-west-1",
		"note":   nil,
	}
	scope := evalScope{userID: "alice"}

	tests := []struct {
		name string
		cond metadata.RowCondition
		want bool
	}{
		{"eq string", metadata.RowCondition{Field: "owner", Operator: metadata.OpEq, Value: metadata.StringValue("alice")}, true},
		{"eq mismatched kind", metadata.RowCondition{Field: "amount", Operator: metadata.OpEq, Value: metadata.StringValue("250")}, false},
		{"eq number from int", metadata.RowCondition{Field: "count", Operator: metadata.OpEq, Value: metadata.NumberValue(3)}, true},
		{"eq bool", metadata.RowCondition{Field: "active", Operator: metadata.OpEq, Value: metadata.BoolValue(true)}, true},
		{"neq", metadata.RowCondition{Field: "owner", Operator: metadata.OpNeq, Value: metadata.StringValue("bob")}, true},
		{"gt", metadata.RowCondition{Field: "amount", Operator: metadata.OpGt, Value: metadata.NumberValue(100)}, true},
		{"lt", metadata.RowCondition{Field: "amount", Operator: metadata.OpLt, Value: metadata.NumberValue(100)}, false},
		{"contains", metadata.RowCondition{Field: "region", Operator: metadata.OpContains, Value: metadata.StringValue("west")}, true},
		{"contains number text", metadata.RowCondition{Field: "amount", Operator: metadata.OpContains, Value: metadata.StringValue("25")}, true},
		{"startsWith", metadata.RowCondition{Field: "region", Operator: metadata.OpStartsWith, Value: metadata.StringValue("eu-")}, true},
		{"endsWith", metadata.RowCondition{Field: "region", Operator: metadata.OpEndsWith, Value: metadata.StringValue("-2")}, false},
		{"null as text", metadata.RowCondition{Field: "note", Operator: metadata.OpEq, Value: metadata.StringValue("null")}, false},
		{"null contains", metadata.RowCondition{Field: "note", Operator: metadata.OpContains, Value: metadata.StringValue("null")}, true},
		{"missing field", metadata.RowCondition{Field: "absent", Operator: metadata.OpNeq, Value: metadata.StringValue("x")}, false},
		{"user reference", metadata.RowCondition{Field: "owner", Operator: metadata.OpEq, Value: metadata.StringValue("$user.id")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluateCondition(tt.cond, rec, scope)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEvaluateCondition_Errors(t *testing.T) {
	rec := metadata.Record{"owner": "alice", "amount": "250"}

	_, err := evaluateCondition(metadata.RowCondition{Field: "amount", Operator: metadata.OpGt, Value: metadata.NumberValue(1)}, rec, evalScope{})
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for string amount, got %v", err)
	}

	_, err = evaluateCondition(metadata.RowCondition{Field: "owner", Operator: "matches", Value: metadata.StringValue("a.*")}, rec, evalScope{})
	if !errors.Is(err, ErrUnsupportedOperator) {
		t.Fatalf("expected ErrUnsupportedOperator, got %v", err)
	}

	_, err = evaluateCondition(metadata.RowCondition{Field: "owner", Operator: metadata.OpEq, Value: metadata.StringValue("$user.id")}, rec, evalScope{})
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Fatalf("expected ErrUnresolvedReference without a user, got %v", err)
	}

	_, err = evaluateCondition(metadata.RowCondition{Field: "owner", Operator: metadata.OpEq, Value: metadata.StringValue("$ctx.tenant")}, rec, evalScope{})
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Fatalf("expected ErrUnresolvedReference for missing context key, got %v", err)
	}
}

func TestEvaluateCondition_ContextReference(t *testing.T) {
	rec := metadata.Record{"tenant": "acme", "level": json.Number("4")}
	scope := evalScope{context: map[string]any{"tenant": "acme", "max_level": 5}}

	ok, err := evaluateCondition(metadata.RowCondition{Field: "tenant", Operator: metadata.OpEq, Value: metadata.StringValue("$ctx.tenant")}, rec, scope)
	if err != nil || !ok {
		t.Fatalf("expected tenant match, got %v, %v", ok, err)
	}
	ok, err = evaluateCondition(metadata.RowCondition{Field: "level", Operator: metadata.OpLt, Value: metadata.StringValue("$ctx.max_level")}, rec, scope)
	if err != nil || !ok {
		t.Fatalf("expected level below context max, got %v, %v", ok, err)
	}
}

func reportPolicy() *metadata.DataAccessPolicy {
	return &metadata.DataAccessPolicy{
		ID:       "reports",
		Name:     "Reports",
		IsActive: true,
		RowAccessControls: []metadata.RowAccessControl{{
			Resource:            "report",
			RequiredPermissions: []metadata.Permission{reportRead},
			Conditions: []metadata.RowCondition{
				{Field: "owner", Operator: metadata.OpEq, Value: metadata.StringValue("alice")},
			},
		}},
		FieldAccessControls: []metadata.FieldAccessControl{
			{Resource: "report", Field: "ssn", RequiredPermissions: []metadata.Permission{userManage}},
			{
				Resource: "report",
				Field:    "phone",
				Masking: &metadata.MaskingRule{
					DataType:          metadata.DataPhone,
					Strategy:          metadata.StrategyPartial,
					ExemptPermissions: []metadata.Permission{auditRead},
				},
			},
		},
	}
}

func TestFilterAndMask_ConditionDropsRow(t *testing.T) {
	a := NewAccessEvaluator(NewMasker(nil, 0, nil), nil)
	perms := metadata.NewPermissionSet(reportRead)

	res := a.FilterAndMask("alice", "report", []metadata.Record{{"id": 1, "owner": "bob"}}, perms, reportPolicy(), nil)
	if len(res.Records) != 0 {
		t.Fatalf("expected the record to be dropped, got %v", res.Records)
	}
	if res.Dropped != 1 {
		t.Fatalf("expected dropped=1, got %d", res.Dropped)
	}
}

func TestFilterAndMask_MissingPermissionDropsRow(t *testing.T) {
	a := NewAccessEvaluator(NewMasker(nil, 0, nil), nil)

	res := a.FilterAndMask("alice", "report", []metadata.Record{{"id": 1, "owner": "alice"}}, metadata.NewPermissionSet(), reportPolicy(), nil)
	if len(res.Records) != 0 {
		t.Fatalf("expected no records without report:read, got %v", res.Records)
	}
}

func TestFilterAndMask_RemovesField(t *testing.T) {
	a := NewAccessEvaluator(NewMasker(nil, 0, nil), nil)
	perms := metadata.NewPermissionSet(reportRead)

	res := a.FilterAndMask("alice", "report", []metadata.Record{{"id": 1, "owner": "alice", "ssn": "123-45-6789"}}, perms, reportPolicy(), nil)
	if len(res.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(res.Records))
	}
	if _, ok := res.Records[0]["ssn"]; ok {
		t.Fatalf("expected ssn key to be absent, got %v", res.Records[0])
	}
	if res.Removed != 1 {
		t.Fatalf("expected removed=1, got %d", res.Removed)
	}
}

func TestFilterAndMask_MasksAndExempts(t *testing.T) {
	a := NewAccessEvaluator(NewMasker(nil, 0, nil), nil)
	rec := metadata.Record{"id": 1, "owner": "alice", "phone": "13812345678"}

	res := a.FilterAndMask("alice", "report", []metadata.Record{rec}, metadata.NewPermissionSet(reportRead), reportPolicy(), nil)
	if got := res.Records[0]["phone"]; got != "138****5678" {
		t.Fatalf("expected masked phone, got %v", got)
	}

	res = a.FilterAndMask("alice", "report", []metadata.Record{rec}, metadata.NewPermissionSet(reportRead, auditRead), reportPolicy(), nil)
	if got := res.Records[0]["phone"]; got != "13812345678" {
		t.Fatalf("expected raw phone for exempt user, got %v", got)
	}

	if rec["phone"] != "13812345678" || len(rec) != 3 {
		t.Fatalf("input record was modified: %v", rec)
	}
}

func TestFilterAndMask_RowRulesAreConjunctive(t *testing.T) {
	a := NewAccessEvaluator(NewMasker(nil, 0, nil), nil)
	policy := &metadata.DataAccessPolicy{
		ID: "p", Name: "P", IsActive: true,
		RowAccessControls: []metadata.RowAccessControl{
			{Resource: "record", Conditions: []metadata.RowCondition{{Field: "region", Operator: metadata.OpEq, Value: metadata.StringValue("eu")}}},
			{Resource: "record", Conditions: []metadata.RowCondition{{Field: "amount", Operator: metadata.OpLt, Value: metadata.NumberValue(100)}}},
		},
	}
	records := []metadata.Record{
		{"id": 1, "region": "eu", "amount": 50},
		{"id": 2, "region": "eu", "amount": 500},
		{"id": 3, "region": "us", "amount": 50},
	}

	res := a.FilterAndMask("u", "record", records, metadata.NewPermissionSet(), policy, nil)
	if len(res.Records) != 1 || res.Records[0]["id"] != 1 {
		t.Fatalf("expected only record 1, got %v", res.Records)
	}
}

func TestFilterAndMask_TypeMismatchDropsRow(t *testing.T) {
	a := NewAccessEvaluator(NewMasker(nil, 0, nil), nil)
	policy := &metadata.DataAccessPolicy{
		ID: "p", Name: "P", IsActive: true,
		RowAccessControls: []metadata.RowAccessControl{
			{Resource: "record", Conditions: []metadata.RowCondition{{Field: "amount", Operator: metadata.OpGt, Value: metadata.NumberValue(10)}}},
		},
	}
	records := []metadata.Record{{"amount": "lots"}, {"amount": 20}}

	res := a.FilterAndMask("u", "record", records, metadata.NewPermissionSet(), policy, nil)
	if len(res.Records) != 1 || res.Records[0]["amount"] != 20 {
		t.Fatalf("expected only the numeric record, got %v", res.Records)
	}
}

func TestFilterAndMask_NoPolicy(t *testing.T) {
	a := NewAccessEvaluator(NewMasker(nil, 0, nil), nil)
	records := []metadata.Record{{"id": 1, "ssn": "x"}}

	res := a.FilterAndMask("u", "report", records, metadata.NewPermissionSet(), nil, nil)
	if len(res.Records) != 1 || res.Records[0]["ssn"] != "x" {
		t.Fatalf("expected pass-through without a policy, got %v", res.Records)
	}
	res.Records[0]["ssn"] = "changed"
	if records[0]["ssn"] != "x" {
		t.Fatal("expected the output to be a copy")
	}

	inactive := reportPolicy()
	inactive.IsActive = false
	res = a.FilterAndMask("u", "report", []metadata.Record{{"owner": "bob", "ssn": "x"}}, metadata.NewPermissionSet(), inactive, nil)
	if len(res.Records) != 1 || res.Records[0]["ssn"] != "x" {
		t.Fatalf("expected inactive policy to be ignored, got %v", res.Records)
	}
}

func TestApplyFieldControls(t *testing.T) {
	a := NewAccessEvaluator(NewMasker(nil, 0, nil), nil)
	rec := metadata.Record{"owner": "bob", "ssn": "x", "phone": "13812345678", "title": "Q3"}

	out := a.ApplyFieldControls("report", rec, metadata.NewPermissionSet(), reportPolicy())
	if _, ok := out["ssn"]; ok {
		t.Fatal("expected ssn removed")
	}
	if out["phone"] != "138****5678" {
		t.Fatalf("expected masked phone, got %v", out["phone"])
	}
	if out["title"] != "Q3" || out["owner"] != "bob" {
		t.Fatalf("expected uncontrolled fields untouched, got %v", out)
	}
	if _, ok := rec["ssn"]; !ok {
		t.Fatal("input record was modified")
	}
}
