package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etl-extract/internal/dialect"
)

func ansi(t *testing.T) dialect.Dialect {
	t.Helper()
	d, err := dialect.Lookup("ansi")
	require.NoError(t, err)
	return d
}

func TestExpandNumericBetweenIsInclusive(t *testing.T) {
	p := &Parameter{Name: "X", Interpretation: "ITER", Operation: "BETWEEN", Values: []string{"1", "3"}}

	c, err := Expand([]*Parameter{p}, ansi(t))
	require.NoError(t, err)

	want := []string{"X = 1", "X = 2", "X = 3"}
	assert.Equal(t, want, p.Fragments)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, [][]string{{"X = 1"}, {"X = 2"}, {"X = 3"}}, c.Collect())
}

func TestExpandDateBetween(t *testing.T) {
	d, err := dialect.Lookup("oracle")
	require.NoError(t, err)
	p := &Parameter{Name: "POST_DT", Interpretation: "iter", Operation: "between", Values: []string{"02/27/2020", "03/01/2020"}}

	_, err = Expand([]*Parameter{p}, d)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST_DT = TO_DATE('02/27/2020','MM/DD/YYYY')",
		"POST_DT = TO_DATE('02/28/2020','MM/DD/YYYY')",
		"POST_DT = TO_DATE('02/29/2020','MM/DD/YYYY')",
		"POST_DT = TO_DATE('03/01/2020','MM/DD/YYYY')",
	}, p.Fragments)
}

func TestExpandBetweenSwapsReversedBounds(t *testing.T) {
	p := &Parameter{Name: "N", Interpretation: "ITER", Operation: "BETWEEN", Values: []string{"5", "3"}}
	_, err := Expand([]*Parameter{p}, ansi(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"N = 3", "N = 4", "N = 5"}, p.Fragments)
}

func TestExpandMixedBoundsFails(t *testing.T) {
	cases := [][]string{
		{"01/01/2020", "5"},
		{"abc", "def"},
	}
	for _, vals := range cases {
		p := &Parameter{Name: "X", Interpretation: "ITER", Operation: "BETWEEN", Values: vals}
		_, err := Expand([]*Parameter{p}, ansi(t))
		assert.ErrorIs(t, err, ErrMixedBounds, "values %v", vals)
	}
}

func TestExpandBetweenBoundCount(t *testing.T) {
	p := &Parameter{Name: "X", Interpretation: "ITER", Operation: "BETWEEN", Values: []string{"1"}}
	_, err := Expand([]*Parameter{p}, ansi(t))
	assert.ErrorIs(t, err, ErrBoundCount)
}

func TestExpandInSortsAndQuotes(t *testing.T) {
	nums := &Parameter{Name: "N", Interpretation: "ITER", Operation: "IN", Values: []string{"10", "2", "1.5"}}
	strs := &Parameter{Name: "S", Interpretation: "ITER", Operation: "IN", Values: []string{"b", "a", "O'Neil"}}

	_, err := Expand([]*Parameter{nums, strs}, ansi(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"N = 1.5", "N = 2", "N = 10"}, nums.Fragments)
	assert.Equal(t, []string{"S = 'O''Neil'", "S = 'a'", "S = 'b'"}, strs.Fragments)
}

func TestExpandCartesianProduct(t *testing.T) {
	a := &Parameter{Name: "A", Interpretation: "ITER", Operation: "IN", Values: []string{"1", "2"}}
	b := &Parameter{Name: "B", Interpretation: "ITER", Operation: "IN", Values: []string{"x", "y"}}

	c, err := Expand([]*Parameter{a, b}, ansi(t))
	require.NoError(t, err)

	want := [][]string{
		{"A = 1", "B = 'x'"},
		{"A = 1", "B = 'y'"},
		{"A = 2", "B = 'x'"},
		{"A = 2", "B = 'y'"},
	}
	assert.Equal(t, 4, c.Len())
	assert.Equal(t, want, c.Collect())
	// the sequence is restartable
	assert.Equal(t, want, c.Collect())
}

func TestExpandProductSizeIsProductOfListSizes(t *testing.T) {
	a := &Parameter{Name: "A", Interpretation: "ITER", Operation: "BETWEEN", Values: []string{"1", "4"}}
	b := &Parameter{Name: "B", Interpretation: "ITER", Operation: "IN", Values: []string{"x", "y", "z"}}
	c, err := Expand([]*Parameter{a, b}, ansi(t))
	require.NoError(t, err)

	assert.Equal(t, len(a.Fragments)*len(b.Fragments), c.Len())
	assert.Len(t, c.Collect(), 12)
}

func TestExpandIgnoresNonIterParameters(t *testing.T) {
	lit := &Parameter{Name: "L", Interpretation: "LITERAL", Operation: "IN", Values: []string{"1", "2"}}
	other := &Parameter{Name: "O", Interpretation: "ITER", Operation: "LIKE", Values: []string{"a%"}}

	c, err := Expand([]*Parameter{lit, other}, ansi(t))
	require.NoError(t, err)

	assert.Nil(t, lit.Fragments)
	assert.Nil(t, other.Fragments)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, [][]string{{}}, c.Collect())
}

func TestExpandRejectsHugeRanges(t *testing.T) {
	p := &Parameter{Name: "X", Interpretation: "ITER", Operation: "BETWEEN", Values: []string{"0", "10000000"}}
	_, err := Expand([]*Parameter{p}, ansi(t))
	assert.ErrorIs(t, err, ErrTooManyFragments)
}

func TestAllStopsEarly(t *testing.T) {
	p := &Parameter{Name: "X", Interpretation: "ITER", Operation: "BETWEEN", Values: []string{"1", "100"}}
	c, err := Expand([]*Parameter{p}, nil)
	require.NoError(t, err)

	n := 0
	for range c.All() {
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)
}

func TestExpandRejectsRangesPastInt64(t *testing.T) {
	cases := [][]string{
		{"1", "1e19"},
		{"-9223372036854775808", "9223372036854775807"},
		{"1", "99999999999999999999999"},
	}
	for _, vals := range cases {
		p := &Parameter{Name: "X", Interpretation: "ITER", Operation: "BETWEEN", Values: vals}
		var err error
		require.NotPanics(t, func() { _, err = Expand([]*Parameter{p}, nil) }, "values %v", vals)
		assert.ErrorIs(t, err, ErrTooManyFragments, "values %v", vals)
	}
}

func TestExpandKeepsLargeIntegersExact(t *testing.T) {
	in := &Parameter{Name: "ID", Interpretation: "ITER", Operation: "IN", Values: []string{"12345678901234567890", "9007199254740993", "7"}}
	between := &Parameter{Name: "N", Interpretation: "ITER", Operation: "BETWEEN", Values: []string{"9007199254740995", "9007199254740993"}}

	_, err := Expand([]*Parameter{in, between}, ansi(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"ID = 7", "ID = 9007199254740993", "ID = 12345678901234567890"}, in.Fragments)
	assert.Equal(t, []string{"N = 9007199254740993", "N = 9007199254740994", "N = 9007199254740995"}, between.Fragments)
}

func TestExpandBetweenFloorsFractionalBounds(t *testing.T) {
	p := &Parameter{Name: "X", Interpretation: "ITER", Operation: "BETWEEN", Values: []string{"-1.5", "1.9"}}
	_, err := Expand([]*Parameter{p}, ansi(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"X = -2", "X = -1", "X = 0", "X = 1"}, p.Fragments)
}

func TestExpandSkipsEmptyValueLists(t *testing.T) {
	a := &Parameter{Name: "A", Interpretation: "ITER", Operation: "IN", Values: []string{"2", "1"}}
	b := &Parameter{Name: "B", Interpretation: "ITER", Operation: "IN", Values: []string{}}

	c, err := Expand([]*Parameter{a, b}, ansi(t))
	require.NoError(t, err)

	assert.Empty(t, b.Fragments)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, [][]string{{"A = 1"}, {"A = 2"}}, c.Collect())
}

func TestExpandInTreatsHugeExponentsAsText(t *testing.T) {
	p := &Parameter{Name: "S", Interpretation: "ITER", Operation: "IN", Values: []string{"1e-999999999", "2"}}
	_, err := Expand([]*Parameter{p}, ansi(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"S = '1e-999999999'", "S = '2'"}, p.Fragments)
}
