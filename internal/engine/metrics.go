package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds counters for access decisions. A nil *Metrics records nothing.
type Metrics struct {
	checks        *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	rowsDropped   *prometheus.CounterVec
	fieldsRemoved *prometheus.CounterVec
	fieldsMasked  *prometheus.CounterVec
	maskFallbacks *prometheus.CounterVec
	ruleWarnings  *prometheus.CounterVec
}

// Metric label values.
const (
	ResultGranted = "granted"
	ResultDenied  = "denied"

	CacheHit  = "hit"
	CacheMiss = "miss"
)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataguard",
			Name:      "permission_checks_total",
			Help:      "Total number of permission checks by resource and result.",
		}, []string{"resource", "result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataguard",
			Name:      "permission_cache_lookups_total",
			Help:      "Effective-permission cache lookups by outcome.",
		}, []string{"outcome"}),
		rowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataguard",
			Name:      "rows_dropped_total",
			Help:      "Records removed by row access rules.",
		}, []string{"resource"}),
		fieldsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataguard",
			Name:      "fields_removed_total",
			Help:      "Field values omitted because a required permission was missing.",
		}, []string{"resource"}),
		fieldsMasked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataguard",
			Name:      "fields_masked_total",
			Help:      "Field values replaced by a masking strategy.",
		}, []string{"resource", "strategy"}),
		maskFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataguard",
			Name:      "mask_fallbacks_total",
			Help:      "Masking operations that fell back to the full strategy.",
		}, []string{"reason"}),
		ruleWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dataguard",
			Name:      "rule_warnings_total",
			Help:      "Malformed conditions and dangling references met during evaluation.",
		}, []string{"kind"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.checks, m.cacheLookups, m.rowsDropped, m.fieldsRemoved,
			m.fieldsMasked, m.maskFallbacks, m.ruleWarnings,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) RecordCheck(resource string, granted bool) {
	if m == nil {
		return
	}
	result := ResultDenied
	if granted {
		result = ResultGranted
	}
	m.checks.WithLabelValues(resource, result).Inc()
}

func (m *Metrics) recordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := CacheMiss
	if hit {
		outcome = CacheHit
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordRowsDropped(resource string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rowsDropped.WithLabelValues(resource).Add(float64(n))
}

func (m *Metrics) recordFieldRemoved(resource string) {
	if m == nil {
		return
	}
	m.fieldsRemoved.WithLabelValues(resource).Inc()
}

func (m *Metrics) recordFieldMasked(resource, strategy string) {
	if m == nil {
		return
	}
	m.fieldsMasked.WithLabelValues(resource, strategy).Inc()
}

func (m *Metrics) recordMaskFallback(reason string) {
	if m == nil {
		return
	}
	m.maskFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordRuleWarning(kind string) {
	if m == nil {
		return
	}
	m.ruleWarnings.WithLabelValues(kind).Inc()
}
