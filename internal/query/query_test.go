package query

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Values
	}{
		{"empty", "", Values{}},
		{"single", "t=0", Values{"t": {"0"}}},
		{"repeated keys keep order", "test=b&x=1&test=a", Values{"test": {"b", "a"}, "x": {"1"}}},
		{"plus and percent decoding", "test=speed+test&q=a%2Fb", Values{"test": {"speed test"}, "q": {"a/b"}}},
		{"empty value skipped", "labels=&since=&until=4", Values{"until": {"4"}}},
		{"whitespace value kept", "test=%20&x=", Values{"test": {" "}}},
		{"segment without equals skipped", "flag&since=5", Values{"since": {"5"}}},
		{"empty key skipped", "=3&until=9", Values{"until": {"9"}}},
		{"bad escape skipped", "a=%zz&b=2", Values{"b": {"2"}}},
		{"empty segments", "&&a=1&", Values{"a": {"1"}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Parse(c.raw))
		})
	}
}

func TestParse_NeverEmptyList(t *testing.T) {
	for _, raw := range []string{"", "x", "=", "&", "a=1&=2&b", "a=&a=", "labels="} {
		for k, vs := range Parse(raw) {
			assert.NotEmpty(t, vs, "key %q of %q", k, raw)
		}
	}
}

func TestSplit(t *testing.T) {
	p, q := Split("/api/state?t=0")
	assert.Equal(t, "/api/state", p)
	assert.Equal(t, "t=0", q)

	p, q = Split("/api/state")
	assert.Equal(t, "/api/state", p)
	assert.Equal(t, "", q)

	p, q = Split("/a?b=1?c=2")
	assert.Equal(t, "/a", p)
	assert.Equal(t, "b=1?c=2", q)
}

func TestValues_Accessors(t *testing.T) {
	v := Parse("since=10&since=20&test=tcp_connect&labels=1&streaming=0&bad=x")

	s, ok := v.First("since")
	assert.True(t, ok)
	assert.Equal(t, "10", s)

	assert.Equal(t, "tcp_connect", v.String("test", ""))
	assert.Equal(t, "fallback", v.String("missing", "fallback"))
	assert.True(t, v.Has("labels"))
	assert.False(t, v.Has("missing"))

	n, err := v.Int("since", -1)
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)

	n, err = v.Int("until", -1)
	require.NoError(t, err)
	assert.EqualValues(t, -1, n)

	on, err := v.Flag("labels")
	require.NoError(t, err)
	assert.True(t, on)

	on, err = v.Flag("streaming")
	require.NoError(t, err)
	assert.False(t, on)

	on, err = v.Flag("absent")
	require.NoError(t, err)
	assert.False(t, on)
}

func TestValues_MalformedInt(t *testing.T) {
	v := Parse("verbosity=loud")

	_, err := v.Int("verbosity", 0)
	require.Error(t, err)

	var pe *ParamError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "verbosity", pe.Name)
	assert.Equal(t, "loud", pe.Value)
	assert.True(t, errors.Is(err, strconv.ErrSyntax))

	_, err = v.Flag("verbosity")
	assert.Error(t, err)
}

func TestValues_BlankTakesDefault(t *testing.T) {
	v := Parse("test=&since=&until=&verbosity=&labels=")

	assert.Equal(t, "", v.String("test", ""))
	n, err := v.Int("since", -1)
	require.NoError(t, err)
	assert.EqualValues(t, -1, n)
	n, err = v.Int("verbosity", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	on, err := v.Flag("labels")
	require.NoError(t, err)
	assert.False(t, on)
}
