package store

import (
	"context"
	"fmt"
)

// EmissionFactors loads the region emission factor reference table
// (kg CO2e per kWh), keeping only the highest version per region.
func (s *Store) EmissionFactors(ctx context.Context) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (region) region, factor_kg_co2e_per_kwh
		FROM region_emission_factors
		ORDER BY region, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query emission factors: %w", err)
	}
	defer rows.Close()

	factors := make(map[string]float64)
	for rows.Next() {
		var region string
		var factor float64
		if err := rows.Scan(&region, &factor); err != nil {
			return nil, fmt.Errorf("scan emission factor: %w", err)
		}
		factors[region] = factor
	}
	return factors, rows.Err()
}
