package emissions

import "testing"

func TestFactorLookupPrecedence(t *testing.T) {
	table := NewFactorTable(map[string]float64{
		"us-east-1": 0.00038, // reference row overrides the builtin
	})

	cases := []struct {
		region string
		want   float64
	}{
		{"us-east-1", 0.00038},          // exact, dataset wins over builtin
		{"US-East-1", 0.00038},          // normalization
		{"us-east-1a", 0.00038},         // prefix heuristic to the zone's region
		{"us-west-2", 0.0002},           // exact builtin
		{"us-gov-west-1", 0.0004},       // leading segment bucket
		{"eu-north-1", 0.00025},         // leading segment bucket
		{"mars-colony-1", DefaultFactor}, // nothing matches
		{"", DefaultFactor},
	}
	for _, tc := range cases {
		if got := table.Lookup(tc.region); got != tc.want {
			t.Errorf("Lookup(%q) = %v, want %v", tc.region, got, tc.want)
		}
	}
}
