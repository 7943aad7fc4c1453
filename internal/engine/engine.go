package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dataguard/internal/config"
	"dataguard/internal/instrument"
	"dataguard/internal/metadata"
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	CacheTTL       time.Duration
	HashKey        []byte
	TruncateLength int
	// Exempt lists, per data type, permissions that reveal raw values in MaskValue.
	Exempt  map[metadata.SensitiveDataType][]metadata.Permission
	Logger  *zap.Logger
	Metrics *Metrics
}

// Engine is the entry point used by request handlers. It resolves
// permissions, applies policies and masking, and records usage. None of its
// methods fail: faults turn into denials, dropped rows or masked values.
type Engine struct {
	store    PolicyStore
	resolver *PermissionResolver
	access   *AccessEvaluator
	masker   *Masker
	usage    *UsageTracker
	exempt   map[metadata.SensitiveDataType][]metadata.Permission
	logger   *zap.Logger
	metrics  *Metrics
}

func New(store PolicyStore, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	resolver := NewPermissionResolver(store, opts.CacheTTL, logger.Named("resolver"))
	resolver.metrics = opts.Metrics
	masker := NewMasker(opts.HashKey, opts.TruncateLength, logger.Named("masking"))
	masker.metrics = opts.Metrics
	access := NewAccessEvaluator(masker, logger.Named("access"))
	access.metrics = opts.Metrics

	return &Engine{
		store:    store,
		resolver: resolver,
		access:   access,
		masker:   masker,
		usage:    NewUsageTracker(),
		exempt:   opts.Exempt,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// NewFromConfig builds an Engine from the masking and cache configuration,
// compiling and registering every configured mask expression.
func NewFromConfig(store PolicyStore, cfg *config.Config, logger *zap.Logger, metrics *Metrics) (*Engine, error) {
	exempt := make(map[metadata.SensitiveDataType][]metadata.Permission, len(cfg.Masking.Exempt))
	for dt, perms := range cfg.Masking.Exempt {
		t := metadata.SensitiveDataType(strings.ToLower(dt))
		if !metadata.ValidDataType(t) {
			return nil, fmt.Errorf("masking.exempt: unknown data type %q", dt)
		}
		for _, s := range perms {
			p, err := metadata.ParsePermission(s)
			if err != nil {
				return nil, fmt.Errorf("masking.exempt.%s: %w", dt, err)
			}
			exempt[t] = append(exempt[t], p)
		}
	}

	e := New(store, Options{
		CacheTTL:       cfg.Cache.TTL,
		HashKey:        []byte(cfg.Masking.HashKey),
		TruncateLength: cfg.Masking.TruncateLength,
		Exempt:         exempt,
		Logger:         logger,
		Metrics:        metrics,
	})

	for name, src := range cfg.Masking.Functions {
		fn, err := CompileMaskExpression(src)
		if err != nil {
			return nil, fmt.Errorf("masking.functions.%s: %w", name, err)
		}
		e.masker.Register(name, fn)
	}
	return e, nil
}

func (e *Engine) Resolver() *PermissionResolver { return e.resolver }
func (e *Engine) Masker() *Masker                { return e.masker }

// CheckPermission reports whether userID holds resource:action. Granted
// checks are logged as usage.
func (e *Engine) CheckPermission(ctx context.Context, userID string, resource metadata.ResourceType, action metadata.PermissionAction) Decision {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "resolver", "permission.check")
	defer span.End()
	span.SetResource(string(resource))

	d := e.resolver.HasPermission(userID, resource, action)
	perm := metadata.NewPermission(resource, action).String()

	e.metrics.RecordCheck(string(resource), d.Granted)
	status := ResultDenied
	if d.Granted {
		status = ResultGranted
		e.usage.Log(userID, perm)
	}
	span.SetStatus(status)

	meta := map[string]any{"permission": perm}
	if d.Reason != "" {
		meta["reason"] = d.Reason
	}
	instrument.GetInstrumenter(ctx).EmitAccessEvent(ctx, "check", string(resource), userID, status, meta)
	return d
}

// FilterAndMaskRecords drops records the user may not see and masks or
// removes controlled fields of the rest. evalCtx supplies values for
// $ctx.<key> condition references. An unknown user sees nothing.
func (e *Engine) FilterAndMaskRecords(ctx context.Context, userID, resource string, records []metadata.Record, evalCtx map[string]any) []metadata.Record {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "access", "records.filter")
	defer span.End()
	span.SetResource(resource)
	span.SetMetadata("input", len(records))

	inst := instrument.GetInstrumenter(ctx)

	perms, err := e.resolver.ResolveEffective(userID)
	if err != nil {
		e.logger.Warn("filtering records for unknown user",
			zap.String("user_id", userID), zap.String("resource", resource))
		e.metrics.recordRowsDropped(resource, len(records))
		span.SetStatus(ResultDenied)
		inst.EmitAccessEvent(ctx, "filter", resource, userID, ResultDenied, map[string]any{
			"reason": "unknown user", "input": len(records), "returned": 0,
		})
		return []metadata.Record{}
	}

	policy := view(e.store).GetPolicy(resource)
	res := e.access.FilterAndMask(userID, resource, records, perms, policy, evalCtx)
	e.logPolicyUsage(userID, resource, perms, policy)

	span.SetStatus("ok")
	span.SetMetadata("returned", len(res.Records))
	meta := map[string]any{
		"input":    len(records),
		"returned": len(res.Records),
		"dropped":  res.Dropped,
		"removed":  res.Removed,
		"masked":   res.Masked,
	}
	if policy != nil {
		meta["policy_id"] = policy.ID
	}
	inst.EmitAccessEvent(ctx, "filter", resource, userID, "ok", meta)
	return res.Records
}

// ApplyFieldControls applies field rules to one record whose visibility the
// caller has already established. An unknown user holds no permissions, so
// every controlled field is removed or masked.
func (e *Engine) ApplyFieldControls(ctx context.Context, userID, resource string, record metadata.Record) metadata.Record {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "access", "record.fields")
	defer span.End()
	span.SetResource(resource)

	perms, err := e.resolver.ResolveEffective(userID)
	if err != nil {
		e.logger.Warn("applying field controls for unknown user",
			zap.String("user_id", userID), zap.String("resource", resource))
		perms = metadata.NewPermissionSet()
		span.SetStatus(ResultDenied)
		instrument.GetInstrumenter(ctx).EmitAccessEvent(ctx, "fields", resource, userID, ResultDenied, map[string]any{
			"reason": "unknown user",
		})
	} else {
		span.SetStatus("ok")
	}
	policy := view(e.store).GetPolicy(resource)
	return e.access.ApplyFieldControls(resource, record, perms, policy)
}

// MaskValue masks value with its type's default rule. When userID is given
// and holds a permission exempting dataType, the raw value is returned.
func (e *Engine) MaskValue(value string, dataType metadata.SensitiveDataType, userID string) string {
	if userID != "" {
		if exempt := e.exempt[dataType]; len(exempt) > 0 {
			if perms, err := e.resolver.ResolveEffective(userID); err == nil && perms.HasAny(exempt) {
				return value
			}
		}
	}
	return e.masker.MaskByType(value, dataType)
}

func (e *Engine) PermissionUsageStats(limit int) []metadata.PermissionUsageStats {
	return e.usage.Stats(limit)
}

func (e *Engine) PermissionUsageTrend(permission string, limit int) []metadata.PermissionUsageTrend {
	return e.usage.Trend(permission, limit)
}

func (e *Engine) UserPermissionUsage(userID string, limit int) []metadata.UserPermissionUsage {
	return e.usage.UserUsage(userID, limit)
}

// logPolicyUsage logs each permission the user holds that a rule of
// resource required.
func (e *Engine) logPolicyUsage(userID, resource string, perms metadata.PermissionSet, policy *metadata.DataAccessPolicy) {
	if policy == nil || !policy.IsActive {
		return
	}
	used := metadata.NewPermissionSet()
	for _, r := range policy.RowAccessControls {
		if r.Resource == resource {
			used.Add(r.RequiredPermissions...)
		}
	}
	for _, f := range policy.FieldAccessControls {
		if f.Resource == resource {
			used.Add(f.RequiredPermissions...)
		}
	}
	for _, p := range used.Sorted() {
		if perms.Has(p) {
			e.usage.Log(userID, p.String())
		}
	}
}
