package categorize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
)

func TestPopulationSummaryUsesLatestYearColumn(t *testing.T) {
	t.Parallel()

	tbl := ingest.Table{
		Columns: []string{"region", "population_2021", "population_2023"},
		Rows:    [][]string{{"Banadir", "2,400,000", "2,610,000"}, {"Bari", "1,000,000", "n/a"}},
	}
	got := Population.Summarize(tbl)
	require.Len(t, got, 1)
	require.Equal(t, KeyPopulation, got[0].Key)
	require.Equal(t, "population_2023", got[0].Label)
	require.InDelta(t, 2610000, got[0].Value, 0.1)
	require.Equal(t, "2023", got[0].Period)
}

func TestEconomicSummary(t *testing.T) {
	t.Parallel()

	tbl := ingest.Table{
		Columns: []string{"year", "gdp_growth_rate", "inflation"},
		Rows:    [][]string{{"2024", "3.9", "4.1"}, {"2022", "2.2", "6.8"}},
	}
	got := Economic.Summarize(tbl)
	require.Len(t, got, 2)
	require.Equal(t, KeyGDPGrowth, got[0].Key)
	require.InDelta(t, 3.9, got[0].Value, 1e-9)
	require.Equal(t, "2024", got[0].Period)
	require.Equal(t, KeyInflation, got[1].Key)
	require.InDelta(t, 4.1, got[1].Value, 1e-9)

	labels := ingest.Table{
		Columns: []string{"Indicator", "Value"},
		Rows:    [][]string{{"GDP Growth Rate", "3.5%"}, {"Inflation Rate", "6.1%"}},
	}
	got = Economic.Summarize(labels)
	require.Len(t, got, 2)
	require.Equal(t, "3.5%", got[0].Display)
	require.Equal(t, "Inflation Rate", got[1].Label)
}

func TestSummariesTolerateUnexpectedShapes(t *testing.T) {
	t.Parallel()

	odd := ingest.Table{Columns: []string{"x"}, Rows: [][]string{{"y"}}}
	for _, c := range append(Categories, Unclassified) {
		require.NotPanics(t, func() { c.Summarize(odd) })
		require.Empty(t, c.Summarize(odd))
	}
}
