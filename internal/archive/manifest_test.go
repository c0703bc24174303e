package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/priceindex-cli/internal/period"
)

func TestBuildManifest(t *testing.T) {
	n, err := period.NewNormalizer(0)
	require.NoError(t, err)

	m := BuildManifest(period.Key{Kind: period.Yearly, Year: 2023}, []string{
		"upload-itemindices202301.csv",
		"upload-itemindices202301.xlsx",
		"pricequotes2023q1.csv",
		"glossary.txt",
	}, n)

	assert.Equal(t, 1, m.Count(CategoryMonthly))
	assert.Equal(t, 1, m.Count(CategoryQuarterly))
	assert.Equal(t, 1, m.Count(CategoryOther))
	assert.Equal(t, 3, m.Len())

	assert.True(t, m.Contains(period.Key{Kind: period.Monthly, Year: 2023, Month: 1}))
	assert.False(t, m.Contains(period.Key{Kind: period.Monthly, Year: 2023, Month: 2}))
	assert.True(t, m.Contains(period.Key{Kind: period.Quarterly, Year: 2023, Quarter: 1}))
	assert.False(t, m.Contains(period.Key{Kind: period.Yearly, Year: 2023}))
	assert.False(t, m.Contains(period.Key{Kind: period.Unrecognized, Raw: "glossary"}))
}

func TestManifest_Merge(t *testing.T) {
	a := NewManifest(period.Key{Kind: period.Yearly, Year: 2023})
	a.Add(period.Key{Kind: period.Monthly, Year: 2023, Month: 1})
	b := NewManifest(period.Key{Kind: period.Yearly, Year: 2023})
	b.Add(period.Key{Kind: period.Monthly, Year: 2023, Month: 2})
	b.Add(period.Key{Kind: period.Monthly, Year: 2023, Month: 1})

	a.Merge(b)
	assert.Equal(t, 2, a.Count(CategoryMonthly))
}

func TestCategory_String(t *testing.T) {
	assert.Equal(t, "quarterly", CategoryQuarterly.String())
	assert.Equal(t, "monthly", CategoryMonthly.String())
	assert.Equal(t, "other", CategoryOther.String())
}
