package domain

// ConstantMetricHandler is the default MetricHandler used for domain 0
// so the core is runnable standalone. It is grounded directly on
// original_source/src-plugins/constant_metric/constant_metric.c, which
// does exactly this: ignore the link's observed quality entirely and
// always report a single configured constant cost. It is not meant as a
// production metric plugin (spec.md §1 names ETX/ETT/constant metric
// plugins as external collaborators) — only as the zero-configuration
// fallback so a node can run before any real plugin is wired in.
type ConstantMetricHandler struct {
	Cost uint32
}

func (ConstantMetricHandler) Name() string { return "constant" }

func (c ConstantMetricHandler) ComputeIncomingMetric(uint32) uint32 {
	if c.Cost == 0 {
		return 100
	}
	return c.Cost
}
