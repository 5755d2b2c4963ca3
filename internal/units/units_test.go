package units

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1", 1_000_000_000},
		{"0.000000001", 1},
		{"12.5", 12_500_000_000},
		{" 3 ", 3_000_000_000},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseRejects(t *testing.T) {
	_, err := Parse("")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Parse("abc")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Parse("-1")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Parse("0.0000000001")
	require.ErrorIs(t, err, ErrPrecision)

	_, err = Parse("10000000000000")
	require.ErrorIs(t, err, ErrOverflow)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "1", Format(1_000_000_000))
	require.Equal(t, "0.5", Format(500_000_000))
	require.Equal(t, "0.000000001", Format(1))
	require.Equal(t, "0", Format(0))
}
