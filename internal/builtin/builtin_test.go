package builtin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(t *testing.T, fn string, args ...any) (any, error) {
	t.Helper()
	exp, ok := Math.Lookup(fn)
	require.True(t, ok, "math.%s not exported", fn)
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		require.NoError(t, err)
		raw[i] = b
	}
	return exp.Fn(context.Background(), raw)
}

func TestMath(t *testing.T) {
	v, err := call(t, "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = call(t, "double", 21)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)

	v, err = call(t, "factorial", 20)
	require.NoError(t, err)
	assert.Equal(t, "2432902008176640000", v)

	v, err = call(t, "factorial", 0)
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = call(t, "factorial", -1)
	assert.Error(t, err)

	_, err = call(t, "fail", "boom")
	assert.EqualError(t, err, "boom")

	v, err = call(t, "sleep", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sleep(ctx, 10000)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLookup(t *testing.T) {
	m, ok := Lookup("math")
	require.True(t, ok)
	assert.Equal(t, []string{"add", "double", "factorial", "fail", "sleep"}, m.Descriptor().Names())

	_, ok = Lookup("nope")
	assert.False(t, ok)
}
