package engine

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"dataguard/internal/metadata"
)

// FullMask replaces a value entirely, whatever its length.
const FullMask = "******"

// DefaultTruncateLength is the prefix kept by the truncate strategy.
const DefaultTruncateLength = 4

// MaskFn is a pluggable masking function referenced by name from a rule.
type MaskFn interface {
	Mask(value string) (string, error)
}

// MaskFunc adapts an ordinary function to MaskFn.
type MaskFunc func(value string) (string, error)

func (f MaskFunc) Mask(value string) (string, error) { return f(value) }

// defaultRules are applied by MaskByType when no explicit rule is given.
var defaultRules = map[metadata.SensitiveDataType]metadata.MaskingRule{
	metadata.DataPhone:      {DataType: metadata.DataPhone, Strategy: metadata.StrategyPartial},
	metadata.DataEmail:      {DataType: metadata.DataEmail, Strategy: metadata.StrategyPartial},
	metadata.DataPersonalID: {DataType: metadata.DataPersonalID, Strategy: metadata.StrategyPartial},
	metadata.DataAddress:    {DataType: metadata.DataAddress, Strategy: metadata.StrategyPartial},
	metadata.DataFinancial:  {DataType: metadata.DataFinancial, Strategy: metadata.StrategyPartial},
	metadata.DataHealth:     {DataType: metadata.DataHealth, Strategy: metadata.StrategyFull},
	metadata.DataPassword:   {DataType: metadata.DataPassword, Strategy: metadata.StrategyFull},
	metadata.DataAPIKey:     {DataType: metadata.DataAPIKey, Strategy: metadata.StrategyTruncate},
}

// DefaultRule returns the built-in rule for a data type.
func DefaultRule(dt metadata.SensitiveDataType) (metadata.MaskingRule, bool) {
	r, ok := defaultRules[dt]
	return r, ok
}

// Masker applies masking strategies. Whenever a strategy cannot be carried
// out it falls back to FullMask; it never returns the raw value for a
// non-empty input.
type Masker struct {
	hashKey        []byte
	truncateLength int
	logger         *zap.Logger
	metrics        *Metrics

	mu       sync.RWMutex
	funcs    map[string]MaskFn
	patterns map[string]*regexp.Regexp // nil entry: pattern failed to compile
}

// NewMasker builds a masker. hashKey keys the hash strategy; keys longer
// than blake2b accepts are first digested down to 32 bytes.
func NewMasker(hashKey []byte, truncateLength int, logger *zap.Logger) *Masker {
	if len(hashKey) > blake2b.Size {
		sum := blake2b.Sum256(hashKey)
		hashKey = sum[:]
	}
	if truncateLength <= 0 {
		truncateLength = DefaultTruncateLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Masker{
		hashKey:        hashKey,
		truncateLength: truncateLength,
		logger:         logger,
		funcs:          make(map[string]MaskFn),
		patterns:       make(map[string]*regexp.Regexp),
	}
}

// Register makes fn available to rules whose custom_func is name.
// Names are case-insensitive.
func (m *Masker) Register(name string, fn MaskFn) {
	m.mu.Lock()
	m.funcs[strings.ToLower(name)] = fn
	m.mu.Unlock()
}

func (m *Masker) lookupFunc(name string) (MaskFn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.funcs[strings.ToLower(name)]
	return fn, ok
}

// MaskByType masks value with the default rule of its data type. Unknown
// types get FullMask.
func (m *Masker) MaskByType(value string, dt metadata.SensitiveDataType) string {
	if value == "" {
		return value
	}
	rule, ok := defaultRules[dt]
	if !ok {
		m.fallback("unknown_data_type", zap.String("data_type", string(dt)))
		return FullMask
	}
	return m.Apply(value, rule)
}

// Apply masks value according to rule. With a pattern, only the matched
// substrings are masked.
func (m *Masker) Apply(value string, rule metadata.MaskingRule) string {
	if value == "" {
		return value
	}
	if rule.Pattern == "" {
		return m.applyStrategy(value, rule)
	}
	re := m.compilePattern(rule.Pattern)
	if re == nil {
		m.fallback("invalid_pattern", zap.String("pattern", rule.Pattern))
		return FullMask
	}
	return re.ReplaceAllStringFunc(value, func(match string) string {
		if match == "" {
			return match
		}
		return m.applyStrategy(match, rule)
	})
}

func (m *Masker) compilePattern(pattern string) *regexp.Regexp {
	m.mu.RLock()
	re, ok := m.patterns[pattern]
	m.mu.RUnlock()
	if ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	m.mu.Lock()
	m.patterns[pattern] = re
	m.mu.Unlock()
	return re
}

func (m *Masker) applyStrategy(value string, rule metadata.MaskingRule) string {
	switch rule.Strategy {
	case metadata.StrategyFull:
		return FullMask
	case metadata.StrategyPartial:
		return m.partial(value, rule.DataType)
	case metadata.StrategyHash:
		return m.hash(value)
	case metadata.StrategyTruncate:
		return truncate(value, m.truncateLength)
	case metadata.StrategyCustom:
		return m.custom(value, rule.CustomFunc)
	default:
		m.fallback("unknown_strategy", zap.String("strategy", string(rule.Strategy)))
		return FullMask
	}
}

func (m *Masker) partial(value string, dt metadata.SensitiveDataType) string {
	var out string
	var ok bool
	switch dt {
	case metadata.DataPhone:
		out, ok = keepEnds(value, 3, 4)
	case metadata.DataPersonalID:
		out, ok = keepEnds(value, 6, 4)
	case metadata.DataFinancial:
		out, ok = keepEnds(value, 0, 4)
	case metadata.DataEmail:
		out, ok = maskEmail(value)
	case metadata.DataAddress:
		out, ok = maskAddress(value)
	}
	if !ok {
		return FullMask
	}
	return out
}

// keepEnds keeps head leading and tail trailing runes and stars the middle,
// preserving length. Values too short to hide anything are fully masked.
func keepEnds(value string, head, tail int) (string, bool) {
	r := []rune(value)
	if len(r) <= head+tail {
		return "", false
	}
	return string(r[:head]) + strings.Repeat("*", len(r)-head-tail) + string(r[len(r)-tail:]), true
}

func maskEmail(value string) (string, bool) {
	at := strings.LastIndex(value, "@")
	if at <= 0 {
		return "", false
	}
	local := []rune(value[:at])
	return string(local[0]) + strings.Repeat("*", len(local)-1) + value[at:], true
}

const addressDelimiters = ", ，-/"

func maskAddress(value string) (string, bool) {
	r := []rune(value)
	for i, c := range r {
		if !strings.ContainsRune(addressDelimiters, c) {
			continue
		}
		if i == 0 || i == len(r)-1 {
			return "", false
		}
		return string(r[:i+1]) + strings.Repeat("*", len(r)-i-1), true
	}
	return "", false
}

func truncate(value string, n int) string {
	r := []rune(value)
	if len(r) <= n {
		return value
	}
	return string(r[:n])
}

func (m *Masker) hash(value string) string {
	h, err := blake2b.New256(m.hashKey)
	if err != nil {
		m.fallback("hash_error", zap.Error(err))
		return FullMask
	}
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Masker) custom(value, name string) (out string) {
	fn, ok := m.lookupFunc(name)
	if name == "" || !ok {
		m.fallback("custom_missing", zap.String("custom_func", name))
		return FullMask
	}
	defer func() {
		if rec := recover(); rec != nil {
			m.fallback("custom_panic", zap.String("custom_func", name), zap.Any("panic", rec))
			out = FullMask
		}
	}()
	masked, err := fn.Mask(value)
	if err != nil {
		m.fallback("custom_error", zap.String("custom_func", name), zap.Error(err))
		return FullMask
	}
	return masked
}

func (m *Masker) fallback(reason string, fields ...zap.Field) {
	m.logger.Warn("masking fell back to full mask", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
	m.metrics.recordMaskFallback(reason)
}

// exprMask runs a compiled expression with the raw value bound to `value`.
type exprMask struct {
	program *vm.Program
}

// CompileMaskExpression compiles an expression such as
// `value[0:2] + repeat("*", len(value) - 2)` into a MaskFn. The expression
// must evaluate to a string.
func CompileMaskExpression(src string) (MaskFn, error) {
	prog, err := expr.Compile(src, expr.Env(map[string]any{"value": ""}))
	if err != nil {
		return nil, fmt.Errorf("compile mask expression: %w", err)
	}
	return exprMask{program: prog}, nil
}

func (e exprMask) Mask(value string) (string, error) {
	result, err := expr.Run(e.program, map[string]any{"value": value})
	if err != nil {
		return "", err
	}
	s, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("mask expression returned %T, want string", result)
	}
	return s, nil
}
