package ingest

import (
	"net/url"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/priceindex-cli/internal/discover"
	"github.com/sells-group/priceindex-cli/internal/standardize"
	"github.com/sells-group/priceindex-cli/internal/store"
	"github.com/sells-group/priceindex-cli/internal/validate"
)

// SourceONSItemIndices is the ONS CPI/RPI item indices publication.
const SourceONSItemIndices = "ons_item_indices"

// Source is a fixed publication profile: where the files are listed, which
// links count, how columns map, how rows are validated, and where they land.
type Source struct {
	Name       string
	BaseURL    string
	ListingURL string

	Discover          discover.Config
	ArchiveExtensions []string
	DataExtensions    []string

	Mapping       standardize.Mapping
	Rules         func(allowZero bool) []validate.ColumnRules
	DuplicateKeys []string
	Schema        store.Schema
}

// ONSItemIndices returns the ons_item_indices profile.
func ONSItemIndices() Source {
	return Source{
		Name:       SourceONSItemIndices,
		BaseURL:    "https://www.ons.gov.uk",
		ListingURL: "https://www.ons.gov.uk/economy/inflationandpriceindices/datasets/consumerpriceindicescpiandretailpricesindexrpiitemindicesandpricequotes",
		Discover: discover.Config{
			SearchTerms:            []string{"upload-itemindices", "/itemindices"},
			FileExtensions:         []string{".csv", ".xlsx", ".zip"},
			PreviousVersionMarkers: []string{"Previous versions"},
		},
		ArchiveExtensions: []string{".zip"},
		DataExtensions:    standardize.DefaultExtensions,
		Mapping:           standardize.ONSMapping(),
		Rules:             validate.ONSRules,
		DuplicateKeys:     validate.ONSDuplicateKeys(),
		Schema:            store.ONSSchema(),
	}
}

var sources = map[string]func() Source{
	SourceONSItemIndices: ONSItemIndices,
}

// LookupSource returns the profile registered under name.
func LookupSource(name string) (Source, error) {
	fn, ok := sources[name]
	if !ok {
		return Source{}, eris.Errorf("ingest: unknown source %q (known: %v)", name, SourceNames())
	}
	return fn(), nil
}

// SourceNames lists the registered profiles in sorted order.
func SourceNames() []string {
	names := make([]string, 0, len(sources))
	for n := range sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WithOverrides replaces the base and listing URLs when set.
func (s Source) WithOverrides(baseURL, listingURL string) Source {
	if baseURL != "" {
		s.BaseURL = baseURL
	}
	if listingURL != "" {
		s.ListingURL = listingURL
	}
	return s
}

// Listing returns the absolute listing URL. A relative ListingURL is resolved
// against BaseURL.
func (s Source) Listing() (string, error) {
	ref, err := url.Parse(s.ListingURL)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: parse listing url %q", s.ListingURL)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil || !base.IsAbs() {
		return "", eris.Errorf("ingest: listing url %q is relative and base url %q is not absolute", s.ListingURL, s.BaseURL)
	}
	return base.ResolveReference(ref).String(), nil
}
