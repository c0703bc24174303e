package period

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
)

// DefaultCacheSize bounds the memoised lookups held by a Normalizer.
const DefaultCacheSize = 1000

// Normalizer memoises Normalize for the lifetime of one pipeline run. Create a new
// one per run; the cache is never shared between runs.
type Normalizer struct {
	cache *lru.Cache[string, Key]
}

// NewNormalizer creates a Normalizer holding at most size entries. A size of zero
// or less uses DefaultCacheSize.
func NewNormalizer(size int) (*Normalizer, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, Key](size)
	if err != nil {
		return nil, eris.Wrap(err, "period: create normalizer cache")
	}
	return &Normalizer{cache: cache}, nil
}

// Normalize returns the period key for filename, computing it at most once while
// the entry stays cached.
func (n *Normalizer) Normalize(filename string) Key {
	if k, ok := n.cache.Get(filename); ok {
		return k
	}
	k := Normalize(filename)
	n.cache.Add(filename, k)
	return k
}

// Len returns the number of cached entries.
func (n *Normalizer) Len() int {
	return n.cache.Len()
}
