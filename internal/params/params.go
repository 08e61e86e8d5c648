// Package params expands the iterable parameters attached to a query into
// the WHERE fragments of its sub-queries.
//
// A parameter interpreted as ITER contributes one fragment per value it
// ranges over:
//
//	BETWEEN over two dates   -> one "name = <date>" per calendar day, inclusive
//	BETWEEN over two numbers -> one "name = <n>" per integer, inclusive
//	IN over a value list     -> one "name = <v>" per value, sorted ascending
//
// The fragment lists of all ITER parameters are then combined as a cartesian
// product; every combination becomes one sub-query.
package params

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"etl-extract/internal/dialect"
)

const (
	InterpretationIter    = "ITER"
	InterpretationLiteral = "LITERAL"

	OperationBetween = "BETWEEN"
	OperationIn      = "IN"
)

// MaxFragments caps the number of fragments a single parameter may expand to.
const MaxFragments = 1_000_000

var (
	// ErrMixedBounds is returned when a BETWEEN parameter's bounds are not both
	// dates or both numbers.
	ErrMixedBounds = errors.New("BETWEEN bounds must be both dates or both numbers")
	// ErrBoundCount is returned when a BETWEEN parameter does not carry exactly
	// two values.
	ErrBoundCount = errors.New("BETWEEN requires exactly two values")
	// ErrTooManyFragments is returned when a range expands past MaxFragments.
	ErrTooManyFragments = errors.New("parameter range too large")
)

// Parameter is one configured query parameter.
type Parameter struct {
	Name           string   `yaml:"name" json:"Name"`
	Interpretation string   `yaml:"interpretation" json:"Interpretation"`
	Operation      string   `yaml:"operation" json:"Operation"`
	Values         []string `yaml:"values" json:"Values"`

	// Fragments is filled by Expand for ITER parameters.
	Fragments []string `yaml:"-" json:"-"`
}

// Iterable reports whether the parameter drives sub-query generation.
func (p *Parameter) Iterable() bool {
	return strings.EqualFold(strings.TrimSpace(p.Interpretation), InterpretationIter)
}

// dateLayouts are tried in order when deciding whether a value is a date.
var dateLayouts = []string{
	"01/02/2006",
	"2006/01/02",
	"2006-01-02",
	"01-02-2006",
	"20060102",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if len(s) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, s); err == nil && t.Year() >= 1900 {
			return t, true
		}
	}
	return time.Time{}, false
}

// maxExponent bounds the exponent of a numeric value so that exact parsing
// stays small.
const maxExponent = 400

// parseNumber reads a finite number exactly. Integers of any size keep every
// digit; fractions such as "1/3" are not numbers here.
func parseNumber(s string) (*big.Rat, bool) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		return nil, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		exp, err := strconv.Atoi(s[i+1:])
		if err != nil || exp < -maxExponent || exp > maxExponent {
			return nil, false
		}
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, false
	}
	return r, true
}

// formatNumber renders integers exactly and other values in their shortest
// decimal form.
func formatNumber(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	f, _ := r.Float64()
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// floor rounds r towards negative infinity. The denominator of a Rat is
// always positive, so Euclidean division is floor division.
func floor(r *big.Rat) *big.Int {
	return new(big.Int).Div(r.Num(), r.Denom())
}

// Fragment builds the equality fragment for one parameter value.
func Fragment(name, literal string) string {
	return name + " = " + literal
}

// expand computes the fragment list for a single ITER parameter.
func (p *Parameter) expand(d dialect.Dialect) ([]string, error) {
	switch strings.ToUpper(strings.TrimSpace(p.Operation)) {
	case OperationBetween:
		return p.expandBetween(d)
	case OperationIn:
		return p.expandIn(d), nil
	default:
		return nil, nil
	}
}

func (p *Parameter) expandBetween(d dialect.Dialect) ([]string, error) {
	if len(p.Values) != 2 {
		return nil, fmt.Errorf("parameter %s: %w (got %d)", p.Name, ErrBoundCount, len(p.Values))
	}

	lo, loDate := parseDate(p.Values[0])
	hi, hiDate := parseDate(p.Values[1])
	if loDate && hiDate {
		if hi.Before(lo) {
			lo, hi = hi, lo
		}
		days := int(hi.Sub(lo).Hours()/24) + 1
		if days > MaxFragments {
			return nil, fmt.Errorf("parameter %s: %w (%d days)", p.Name, ErrTooManyFragments, days)
		}
		out := make([]string, 0, days)
		for day := lo; !day.After(hi); day = day.AddDate(0, 0, 1) {
			out = append(out, Fragment(p.Name, d.DateLiteral(day)))
		}
		return out, nil
	}

	a, aNum := parseNumber(p.Values[0])
	b, bNum := parseNumber(p.Values[1])
	if !aNum || !bNum {
		return nil, fmt.Errorf("parameter %s: %w (%q, %q)", p.Name, ErrMixedBounds, p.Values[0], p.Values[1])
	}
	if b.Cmp(a) < 0 {
		a, b = b, a
	}
	from, to := floor(a), floor(b)
	span := new(big.Int).Sub(to, from)
	span.Add(span, big.NewInt(1))
	if span.Cmp(big.NewInt(MaxFragments)) > 0 {
		return nil, fmt.Errorf("parameter %s: %w (%s values)", p.Name, ErrTooManyFragments, span)
	}
	n := int(span.Int64())
	out := make([]string, 0, n)
	one := big.NewInt(1)
	for v := new(big.Int).Set(from); len(out) < n; v.Add(v, one) {
		out = append(out, Fragment(p.Name, v.String()))
	}
	return out, nil
}

func (p *Parameter) expandIn(d dialect.Dialect) []string {
	nums := make([]*big.Rat, 0, len(p.Values))
	for _, v := range p.Values {
		r, ok := parseNumber(v)
		if !ok {
			nums = nil
			break
		}
		nums = append(nums, r)
	}

	if nums != nil && len(nums) == len(p.Values) {
		sort.Slice(nums, func(i, j int) bool { return nums[i].Cmp(nums[j]) < 0 })
		out := make([]string, len(nums))
		for i, n := range nums {
			out[i] = Fragment(p.Name, formatNumber(n))
		}
		return out
	}

	vals := append([]string(nil), p.Values...)
	sort.Strings(vals)
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = Fragment(p.Name, d.QuoteString(v))
	}
	return out
}

// Combinations is the expanded form of a parameter set. Each element of the
// product is one sub-query's fragment list.
type Combinations struct {
	lists [][]string
}

// Expand computes the fragment list of every ITER parameter, records it on
// the parameter and returns their cartesian product. Parameters that are not
// ITER, whose operation is neither BETWEEN nor IN, or whose value list is
// empty contribute nothing.
//
// With no contributing parameter the product holds exactly one empty
// combination: the base query runs once, unmodified.
func Expand(ps []*Parameter, d dialect.Dialect) (*Combinations, error) {
	if d == nil {
		d = dialect.Default
	}
	c := &Combinations{}
	for _, p := range ps {
		if p == nil || !p.Iterable() {
			continue
		}
		frags, err := p.expand(d)
		if err != nil {
			return nil, err
		}
		p.Fragments = frags
		if len(frags) == 0 {
			continue
		}
		c.lists = append(c.lists, frags)
	}
	return c, nil
}

// Len is the number of combinations All yields.
func (c *Combinations) Len() int {
	n := 1
	for _, l := range c.lists {
		n *= len(l)
	}
	return n
}

// All yields every combination in order: the last parameter varies fastest.
// The sequence can be ranged over any number of times.
func (c *Combinations) All() iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		for _, l := range c.lists {
			if len(l) == 0 {
				return
			}
		}
		idx := make([]int, len(c.lists))
		for {
			combo := make([]string, len(c.lists))
			for i, l := range c.lists {
				combo[i] = l[idx[i]]
			}
			if !yield(combo) {
				return
			}

			i := len(idx) - 1
			for ; i >= 0; i-- {
				idx[i]++
				if idx[i] < len(c.lists[i]) {
					break
				}
				idx[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}
}

// Collect materialises All.
func (c *Combinations) Collect() [][]string {
	out := make([][]string, 0, c.Len())
	for combo := range c.All() {
		out = append(out, combo)
	}
	return out
}
