package archive

import (
	"github.com/sells-group/priceindex-cli/internal/period"
)

// Category buckets archive members by the kind of period they deliver.
type Category int

const (
	CategoryQuarterly Category = iota
	CategoryMonthly
	CategoryOther
)

func (c Category) String() string {
	switch c {
	case CategoryQuarterly:
		return "quarterly"
	case CategoryMonthly:
		return "monthly"
	default:
		return "other"
	}
}

// Manifest lists the periods delivered by one archive. Quarterly and monthly
// members are stored by period token (2023q1, 202301); other members by their
// full key string.
type Manifest struct {
	Key     period.Key
	Members map[Category]map[string]struct{}
}

// NewManifest returns an empty manifest for an archive with the given key.
func NewManifest(key period.Key) *Manifest {
	return &Manifest{
		Key: key,
		Members: map[Category]map[string]struct{}{
			CategoryQuarterly: {},
			CategoryMonthly:   {},
			CategoryOther:     {},
		},
	}
}

// BuildManifest normalizes every member name and buckets it.
func BuildManifest(key period.Key, memberNames []string, n *period.Normalizer) *Manifest {
	m := NewManifest(key)
	for _, name := range memberNames {
		m.Add(n.Normalize(name))
	}
	return m
}

// Add records one member key.
func (m *Manifest) Add(k period.Key) {
	switch k.Kind {
	case period.Quarterly:
		m.Members[CategoryQuarterly][k.Period()] = struct{}{}
	case period.Monthly:
		m.Members[CategoryMonthly][k.Period()] = struct{}{}
	default:
		m.Members[CategoryOther][k.String()] = struct{}{}
	}
}

// Merge adds every member of other.
func (m *Manifest) Merge(other *Manifest) {
	for cat, set := range other.Members {
		for p := range set {
			m.Members[cat][p] = struct{}{}
		}
	}
}

// Contains reports whether a monthly or quarterly key is delivered by the
// archive. Other kinds are never considered covered.
func (m *Manifest) Contains(k period.Key) bool {
	var cat Category
	switch k.Kind {
	case period.Monthly:
		cat = CategoryMonthly
	case period.Quarterly:
		cat = CategoryQuarterly
	default:
		return false
	}
	_, ok := m.Members[cat][k.Period()]
	return ok
}

// Count returns the number of distinct members in a category.
func (m *Manifest) Count(c Category) int {
	return len(m.Members[c])
}

// Len returns the number of distinct members across categories.
func (m *Manifest) Len() int {
	return m.Count(CategoryQuarterly) + m.Count(CategoryMonthly) + m.Count(CategoryOther)
}
