package document

import (
	"fmt"
	"strings"
	"time"
)

// Matcher evaluates MongoDB-style queries against documents. Equality is the
// default; a criterion that is a document of operator keys applies every
// operator; top-level $and/$or/$not combine subqueries. The operator set is
// extensible through the registration maps.
type Matcher struct {
	cmp      *Comparer
	compOps  map[string]compOp
	logicOps map[string]logicOp
}

type compOp func(doc D, field string, arg any) (bool, error)

type logicOp func(doc D, arg any) (bool, error)

// NewMatcher returns a Matcher ordering values through cmp.
func NewMatcher(cmp *Comparer) *Matcher {
	m := &Matcher{cmp: cmp}
	m.compOps = map[string]compOp{
		"$lt":     m.compare(func(c int) bool { return c < 0 }),
		"$lte":    m.compare(func(c int) bool { return c <= 0 }),
		"$gt":     m.compare(func(c int) bool { return c > 0 }),
		"$gte":    m.compare(func(c int) bool { return c >= 0 }),
		"$in":     m.in,
		"$nin":    m.nin,
		"$ne":     m.ne,
		"$exists": m.exists,
	}
	m.logicOps = map[string]logicOp{
		"$and": m.and,
		"$or":  m.or,
		"$not": m.not,
	}
	return m
}

// Match reports whether doc satisfies query. A nil or empty query matches
// every document.
func (m *Matcher) Match(doc D, query D) (bool, error) {
	dollar, plain := 0, 0
	for k := range query {
		if strings.HasPrefix(k, "$") {
			dollar++
		} else {
			plain++
		}
	}
	if dollar > 0 && plain > 0 {
		return false, fmt.Errorf("cannot mix operators and normal fields")
	}
	for k, v := range query {
		if dollar > 0 {
			fn, ok := m.logicOps[k]
			if !ok {
				return false, fmt.Errorf("unknown logical operator %s", k)
			}
			matches, err := fn(doc, v)
			if err != nil || !matches {
				return false, err
			}
			continue
		}
		matches, err := m.matchField(doc, k, v)
		if err != nil || !matches {
			return false, err
		}
	}
	return true, nil
}

func (m *Matcher) matchField(doc D, field string, crit any) (bool, error) {
	if cd, ok := crit.(D); ok && hasDollarKey(cd) {
		for op, arg := range cd {
			fn, ok := m.compOps[op]
			if !ok {
				return false, fmt.Errorf("unknown comparison operator %s", op)
			}
			matches, err := fn(doc, field, arg)
			if err != nil || !matches {
				return false, err
			}
		}
		return true, nil
	}
	return m.eq(doc, field, crit)
}

// eq is equality by value. An array field matches when any element equals the
// criterion, or when the whole array does. A missing field matches a nil
// criterion only.
func (m *Matcher) eq(doc D, field string, crit any) (bool, error) {
	v, found := GetPath(doc, field)
	if !found {
		return crit == nil, nil
	}
	if arr, ok := v.([]any); ok {
		if m.cmp.Equal(arr, crit) {
			return true, nil
		}
		for _, el := range arr {
			if m.cmp.Equal(el, crit) {
				return true, nil
			}
		}
		return false, nil
	}
	return m.cmp.Equal(v, crit), nil
}

// anyValue applies pred to the field value, or to each element when the value
// is an array; a single satisfied element is a match. Missing fields never
// match.
func (m *Matcher) anyValue(doc D, field string, pred func(v any) (bool, error)) (bool, error) {
	v, found := GetPath(doc, field)
	if !found {
		return false, nil
	}
	if arr, ok := v.([]any); ok {
		for _, el := range arr {
			matches, err := pred(el)
			if err != nil || matches {
				return matches, err
			}
		}
		return false, nil
	}
	return pred(v)
}

func (m *Matcher) compare(accept func(int) bool) compOp {
	return func(doc D, field string, arg any) (bool, error) {
		return m.anyValue(doc, field, func(v any) (bool, error) {
			if !sameKind(v, arg) {
				return false, nil
			}
			return accept(m.cmp.Compare(v, arg)), nil
		})
	}
}

// sameKind restricts range operators to same-kind operands; comparing a
// string against a number is never a match rather than a type-rank ordering.
func sameKind(a, b any) bool {
	if _, ok := asNumber(a); ok {
		_, ok = asNumber(b)
		return ok
	}
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case time.Time:
		_, ok := b.(time.Time)
		return ok
	}
	return false
}

func (m *Matcher) in(doc D, field string, arg any) (bool, error) {
	list, ok := arg.([]any)
	if !ok {
		return false, fmt.Errorf("$in operator called with a non-array")
	}
	return m.anyValue(doc, field, func(v any) (bool, error) {
		for _, item := range list {
			if m.cmp.Equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	})
}

func (m *Matcher) nin(doc D, field string, arg any) (bool, error) {
	if _, ok := arg.([]any); !ok {
		return false, fmt.Errorf("$nin operator called with a non-array")
	}
	matches, err := m.in(doc, field, arg)
	return !matches, err
}

func (m *Matcher) ne(doc D, field string, arg any) (bool, error) {
	matches, err := m.eq(doc, field, arg)
	return !matches, err
}

func (m *Matcher) exists(doc D, field string, arg any) (bool, error) {
	want := isTruthy(arg)
	_, found := GetPath(doc, field)
	return found == want, nil
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if n, ok := asNumber(v); ok {
			return n.Sign() != 0
		}
		return true
	}
}

func (m *Matcher) and(doc D, arg any) (bool, error) {
	subs, err := subQueries(arg, "$and")
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		matches, err := m.Match(doc, sub)
		if err != nil || !matches {
			return false, err
		}
	}
	return true, nil
}

func (m *Matcher) or(doc D, arg any) (bool, error) {
	subs, err := subQueries(arg, "$or")
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		matches, err := m.Match(doc, sub)
		if err != nil || matches {
			return matches, err
		}
	}
	return false, nil
}

func (m *Matcher) not(doc D, arg any) (bool, error) {
	sub, ok := arg.(D)
	if !ok {
		return false, fmt.Errorf("$not operator used without a query")
	}
	matches, err := m.Match(doc, sub)
	return !matches, err
}

func subQueries(arg any, op string) ([]D, error) {
	list, ok := arg.([]any)
	if !ok {
		return nil, fmt.Errorf("%s operator used without an array", op)
	}
	res := make([]D, len(list))
	for n, item := range list {
		sub, ok := item.(D)
		if !ok {
			return nil, fmt.Errorf("%s operand %d is not a query", op, n)
		}
		res[n] = sub
	}
	return res, nil
}
