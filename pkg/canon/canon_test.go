package canon_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreadstar/meshcore/pkg/canon"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	a, err := canon.Canonicalize(map[string]interface{}{
		"b": 1,
		"a": 2,
		"c": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(a))
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	tree := map[string]interface{}{
		"zeta":  "z",
		"alpha": []interface{}{1, 2, 3},
		"mid": map[string]interface{}{
			"y": true,
			"x": nil,
		},
	}

	first, err := canon.Canonicalize(tree)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := canon.Canonicalize(tree)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCanonicalizeArrayPreservesOrder(t *testing.T) {
	out, err := canon.Canonicalize([]interface{}{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, `[3,1,2]`, string(out))
}

func TestCanonicalizeNumbersWithoutTrailingZeros(t *testing.T) {
	out, err := canon.Canonicalize(map[string]interface{}{"n": 3.0})
	require.NoError(t, err)
	assert.Equal(t, `{"n":3}`, string(out))

	out, err = canon.Canonicalize(map[string]interface{}{"n": 3.14})
	require.NoError(t, err)
	assert.Equal(t, `{"n":3.14}`, string(out))
}

func TestCanonicalizeLiterals(t *testing.T) {
	out, err := canon.Canonicalize(map[string]interface{}{
		"t": true,
		"f": false,
		"n": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"f":false,"n":null,"t":true}`, string(out))
}

func TestCanonicalizeRejectsNonFiniteNumbers(t *testing.T) {
	_, err := canon.Canonicalize(map[string]interface{}{"n": math.NaN()})
	assert.Error(t, err)
	assert.True(t, canon.ErrInvalidInput.Has(err))

	_, err = canon.Canonicalize(map[string]interface{}{"n": math.Inf(1)})
	assert.Error(t, err)
	assert.True(t, canon.ErrInvalidInput.Has(err))
}

func TestCanonicalizeRejectsCycle(t *testing.T) {
	inner := map[string]interface{}{}
	outer := map[string]interface{}{"self": inner}
	inner["parent"] = outer

	_, err := canon.Canonicalize(outer)
	assert.Error(t, err)
	assert.True(t, canon.ErrInvalidInput.Has(err))
}

func TestCanonicalizeNoWhitespace(t *testing.T) {
	out, err := canon.Canonicalize(map[string]interface{}{
		"a": []interface{}{1, "two", map[string]interface{}{"k": "v"}},
	})
	require.NoError(t, err)
	for _, b := range out {
		assert.NotEqual(t, byte(' '), b)
		assert.NotEqual(t, byte('\n'), b)
		assert.NotEqual(t, byte('\t'), b)
	}
}
