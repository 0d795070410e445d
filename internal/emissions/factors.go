package emissions

import "strings"

// DefaultFactor is the global fallback emission factor (kg CO2e per kWh) used
// when a region has no exact or prefix match.
const DefaultFactor = 0.0004

// builtinFactors keeps the worker useful before the reference table is
// populated. Region keys are lowercase; short keys act as prefix buckets.
var builtinFactors = map[string]float64{
	"us-east-1":      0.0004,
	"us-west-2":      0.0002,
	"eu-west-1":      0.00025,
	"eu-central-1":   0.00027,
	"ap-northeast-1": 0.00045,
	"ap-south-1":     0.0007,
	"us":             0.0004,
	"eu":             0.00025,
	"ap":             0.00045,
}

// FactorTable resolves a region tag to an emission factor: exact match first,
// then the longest table key that prefixes the region, then the region's
// leading segment, then the global default.
type FactorTable struct {
	factors map[string]float64
}

// NewFactorTable merges rows from the reference dataset over the built-in
// baseline. Keys are normalized to lowercase.
func NewFactorTable(rows map[string]float64) *FactorTable {
	merged := make(map[string]float64, len(builtinFactors)+len(rows))
	for k, v := range builtinFactors {
		merged[k] = v
	}
	for k, v := range rows {
		merged[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &FactorTable{factors: merged}
}

// Lookup returns the factor for region in kg CO2e per kWh.
func (t *FactorTable) Lookup(region string) float64 {
	r := strings.ToLower(strings.TrimSpace(region))
	if r == "" {
		return DefaultFactor
	}
	if f, ok := t.factors[r]; ok {
		return f
	}

	bestLen := 0
	best := 0.0
	for key, f := range t.factors {
		if len(key) > bestLen && strings.HasPrefix(r, key) {
			bestLen, best = len(key), f
		}
	}
	if bestLen > 0 {
		return best
	}

	if i := strings.IndexByte(r, '-'); i > 0 {
		if f, ok := t.factors[r[:i]]; ok {
			return f
		}
	}
	return DefaultFactor
}
