package harvest

import "github.com/skinpulse/harvester/internal/market"

// Price band boundaries in cents.
const (
	centsTen      = 1_000
	centsFifty    = 5_000
	centsHundred  = 10_000
	centsFiveHund = 50_000
	centsThousand = 100_000
)

// DefaultCatalog returns the standing set of collection strategies: broad
// sweeps under each sort order, then per-category, price-band and
// quality-band partitions so the bounded page window reaches deep inventory.
func DefaultCatalog() []market.CollectionStrategy {
	strategies := []market.CollectionStrategy{
		{Name: "recent_all", Sort: market.SortRecency},
		{Name: "cheapest_all", Sort: market.SortPriceAsc},
		{Name: "most_expensive", Sort: market.SortPriceDesc},

		{Name: "normal_items", Sort: market.SortRecency, Category: 1},
		{Name: "stattrak_items", Sort: market.SortRecency, Category: 2},
		{Name: "souvenir_items", Sort: market.SortRecency, Category: 3},

		{Name: "under_10", Sort: market.SortPriceAsc, MinPrice: 1, MaxPrice: centsTen},
		{Name: "10_to_50", Sort: market.SortPriceAsc, MinPrice: centsTen, MaxPrice: centsFifty},
		{Name: "50_to_100", Sort: market.SortPriceAsc, MinPrice: centsFifty, MaxPrice: centsHundred},
		{Name: "100_to_500", Sort: market.SortPriceAsc, MinPrice: centsHundred, MaxPrice: centsFiveHund},
		{Name: "500_to_1000", Sort: market.SortPriceAsc, MinPrice: centsFiveHund, MaxPrice: centsThousand},
		{Name: "over_1000", Sort: market.SortPriceDesc, MinPrice: centsThousand},
	}

	qualityBands := []struct {
		name     string
		min, max float64
	}{
		{"factory_new", 0.0, 0.07},
		{"minimal_wear", 0.07, 0.15},
		{"field_tested", 0.15, 0.38},
		{"well_worn", 0.38, 0.45},
		{"battle_scarred", 0.45, 1.0},
	}
	for _, band := range qualityBands {
		strategies = append(strategies, market.CollectionStrategy{
			Name:       band.name,
			Sort:       market.SortQualityAsc,
			MinQuality: qualityBound(band.min),
			MaxQuality: qualityBound(band.max),
		})
	}
	return strategies
}

func qualityBound(v float64) *float64 {
	return &v
}
