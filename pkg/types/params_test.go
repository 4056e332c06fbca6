package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	t.Run("pairs keep order", func(t *testing.T) {
		p, err := ParseParams([]string{"--lr", "0.1", "--epochs", "5", "-seed", "7"})
		require.NoError(t, err)
		assert.Equal(t, []string{"lr", "epochs", "seed"}, p.Keys())
		assert.Equal(t, "5", p.GetOr("epochs", ""))
	})

	t.Run("duplicate overwrites in place", func(t *testing.T) {
		p, err := ParseParams([]string{"--a", "1", "--b", "2", "--a", "3"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, p.Keys())
		assert.Equal(t, "3", p.GetOr("a", ""))
	})

	t.Run("empty input", func(t *testing.T) {
		p, err := ParseParams(nil)
		require.NoError(t, err)
		assert.Equal(t, 0, p.Len())
	})

	for name, args := range map[string][]string{
		"odd count":      {"--a"},
		"missing dashes": {"a", "1"},
		"bare dashes":    {"--", "1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseParams(args)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestParamsEqualIgnoresOrder(t *testing.T) {
	a := NewParams("x", "1", "y", "2")
	b := NewParams("y", "2", "x", "1")
	assert.True(t, a.Equal(b))

	b.Set("x", "9")
	assert.False(t, a.Equal(b))

	b.Delete("x")
	assert.False(t, a.Equal(b))
	assert.Equal(t, []string{"y"}, b.Keys())
}

func TestParamsJSONKeepsOrder(t *testing.T) {
	p := NewParams("zeta", "1", "alpha", "2")
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"1","alpha":"2"}`, string(raw))

	var back Params
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, []string{"zeta", "alpha"}, back.Keys())
	assert.True(t, p.Equal(back))
	assert.Equal(t, "zeta=1 alpha=2", back.String())
}

func TestParamsCloneIsIndependent(t *testing.T) {
	p := NewParams("lr", "0.1", "generator", "copy")
	c := p.Clone()
	c.Delete("generator")
	c.Set("seed", "7")

	assert.Equal(t, []string{"lr", "generator"}, p.Keys())
	assert.Equal(t, []string{"lr", "seed"}, c.Keys())
}

func TestParamsZeroValueMarshalsEmptyObject(t *testing.T) {
	var p Params
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(raw))
}

func TestParamsUnmarshalRejectsNonObject(t *testing.T) {
	var p Params
	err := json.Unmarshal([]byte(`["a"]`), &p)
	assert.ErrorIs(t, err, ErrInvalidParams)

	assert.ErrorIs(t, json.Unmarshal([]byte(`{"a":1}`), &p), ErrInvalidParams)

	require.NoError(t, json.Unmarshal([]byte(`null`), &p))
	assert.Equal(t, 0, p.Len())
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("mnist"))
	assert.NoError(t, ValidateKey("exp_1.b"))
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "-x"} {
		assert.ErrorIs(t, ValidateKey(bad), ErrInvalidKey, bad)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("data")
	require.NoError(t, err)
	assert.Equal(t, KindData, k)

	_, err = ParseKind("models")
	assert.ErrorIs(t, err, ErrInvalidKind)
}
