package document

import (
	"cmp"
	"math/big"
	"slices"
	"time"
)

// Comparer provides the total order used by index keys and cursor sorting.
// Mixed types order by a fixed rank: undefined < null < boolean < number <
// string < date < array < object. Numbers of any Go type compare through
// big.Float so int64/float64 mixtures never lose precision.
type Comparer struct {
	// Strings overrides the default lexicographic string ordering.
	Strings func(a, b string) int
}

const (
	rankUndefined = iota
	rankNull
	rankBool
	rankNumber
	rankString
	rankDate
	rankArray
	rankObject
)

func rankOf(v any) int {
	switch v.(type) {
	case Undefined:
		return rankUndefined
	case nil:
		return rankNull
	case bool:
		return rankBool
	case string:
		return rankString
	case time.Time:
		return rankDate
	case []any:
		return rankArray
	case D:
		return rankObject
	default:
		if _, ok := asNumber(v); ok {
			return rankNumber
		}
		return rankObject
	}
}

// Compare returns a negative, zero or positive value ordering a before, equal
// to or after b.
func (c *Comparer) Compare(a, b any) int {
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case rankUndefined, rankNull:
		return 0
	case rankBool:
		return compareBool(a.(bool), b.(bool))
	case rankNumber:
		na, _ := asNumber(a)
		nb, _ := asNumber(b)
		return na.Cmp(nb)
	case rankString:
		if c.Strings != nil {
			return c.Strings(a.(string), b.(string))
		}
		return cmp.Compare(a.(string), b.(string))
	case rankDate:
		return a.(time.Time).Compare(b.(time.Time))
	case rankArray:
		return c.compareArrays(a.([]any), b.([]any))
	default:
		da, aok := a.(D)
		db, bok := b.(D)
		if !aok || !bok {
			return 0
		}
		return c.compareDocs(da, db)
	}
}

// Equal reports whether a and b occupy the same position in the total order.
func (c *Comparer) Equal(a, b any) bool {
	return c.Compare(a, b) == 0
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if a {
		return 1
	}
	return -1
}

func (c *Comparer) compareArrays(a, b []any) int {
	for i := range min(len(a), len(b)) {
		if comp := c.Compare(a[i], b[i]); comp != 0 {
			return comp
		}
	}
	// common section identical, longest wins
	return cmp.Compare(len(a), len(b))
}

func (c *Comparer) compareDocs(a, b D) int {
	aKeys := sortedKeys(a)
	bKeys := sortedKeys(b)
	for i := range min(len(aKeys), len(bKeys)) {
		if comp := c.Compare(a[aKeys[i]], b[bKeys[i]]); comp != 0 {
			return comp
		}
	}
	if comp := cmp.Compare(len(aKeys), len(bKeys)); comp != 0 {
		return comp
	}
	return slices.Compare(aKeys, bKeys)
}

func sortedKeys(d D) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func asNumber(v any) (*big.Float, bool) {
	r := new(big.Float)
	switch n := v.(type) {
	case int:
		r.SetInt64(int64(n))
	case int8:
		r.SetInt64(int64(n))
	case int16:
		r.SetInt64(int64(n))
	case int32:
		r.SetInt64(int64(n))
	case int64:
		r.SetInt64(n)
	case uint:
		r.SetUint64(uint64(n))
	case uint8:
		r.SetUint64(uint64(n))
	case uint16:
		r.SetUint64(uint64(n))
	case uint32:
		r.SetUint64(uint64(n))
	case uint64:
		r.SetUint64(n)
	case float32:
		r.SetFloat64(float64(n))
	case float64:
		r.SetFloat64(n)
	default:
		return nil, false
	}
	return r, true
}
