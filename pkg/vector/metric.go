// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package vector

import (
	"math"
	"strings"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// Metric selects the distance function of a collection. Every metric is
// reported as a distance: smaller values are more similar.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricDot    Metric = "dot"
)

// DefaultMetric is used when a collection is created without one.
const DefaultMetric = MetricCosine

// ParseMetric accepts the canonical names plus common aliases.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine", "cos":
		return MetricCosine, nil
	case "l2", "euclidean":
		return MetricL2, nil
	case "dot", "inner_product", "ip":
		return MetricDot, nil
	default:
		return "", cperr.Errorf(cperr.CodeVectorMetricInvalid, "unknown metric %q", s)
	}
}

func (m Metric) Valid() bool {
	return m == MetricCosine || m == MetricL2 || m == MetricDot
}

func (m Metric) String() string { return string(m) }

// Distance computes the distance between a and b under m. Both slices must
// have the same length; callers validate dimensions first.
func (m Metric) Distance(a, b []float32) float64 {
	switch m {
	case MetricL2:
		return math.Sqrt(squaredL2(a, b))
	case MetricDot:
		return -dot(a, b)
	default:
		return cosineDistance(a, b)
	}
}

// CheckVector rejects vectors m cannot rank. Cosine has no direction for a
// zero vector, so such vectors are refused rather than scored.
func (m Metric) CheckVector(v []float32) error {
	if m == MetricL2 || m == MetricDot {
		return nil
	}
	for _, f := range v {
		if f != 0 {
			return nil
		}
	}
	return cperr.New(cperr.CodeVectorZeroInvalid, "cosine collections do not accept zero vectors")
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// cosineDistance returns 1 - cos(a, b). Zero vectors never reach a cosine
// collection (see CheckVector); raw callers get the maximum distance 2.
func cosineDistance(a, b []float32) float64 {
	var ab, aa, bb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		ab += x * y
		aa += x * x
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return 2
	}
	return 1 - ab/(math.Sqrt(aa)*math.Sqrt(bb))
}
