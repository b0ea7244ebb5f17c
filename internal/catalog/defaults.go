package catalog

// Default returns the built-in SoulBridge catalog used when no catalog
// file is deployed. Costs are artistic-time credits per invocation.
func Default() (*Catalog, error) {
	return New(
		[]FeatureCost{
			{Code: "companion_chat", Name: "Companion Chat", Cost: 0},
			{Code: "decoder", Name: "Dream Decoder", Cost: 5},
			{Code: "horoscope", Name: "Daily Horoscope", Cost: 3},
			{Code: "tarot", Name: "Tarot Reading", Cost: 4},
			{Code: "poetry", Name: "Poetry Studio", Cost: 6},
			{Code: "story", Name: "Story Weaver", Cost: 8},
		},
		[]TierPlan{
			{
				Code:             "bronze",
				MonthlyAllowance: 100,
				DefaultDaily:     LimitOf(3),
			},
			{
				Code:             "silver",
				MonthlyAllowance: 350,
				DefaultDaily:     LimitOf(10),
				DailyLimits: map[string]Limit{
					"decoder": LimitOf(15),
				},
			},
			{
				Code:             "gold",
				MonthlyAllowance: 1200,
				DefaultDaily:     Unlimited,
			},
		},
	)
}
