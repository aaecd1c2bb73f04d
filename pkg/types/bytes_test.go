package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytes_Humanized(t *testing.T) {
	cases := []struct {
		in   Bytes
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KiB"},
		{1536, "1.50 KiB"},
		{1 << 20, "1.00 MiB"},
		{1<<30 - 1, "1024.00 MiB"},
		{5 << 30, "5.00 GiB"},
		{1 << 40, "1.00 TiB"},
		// Above the largest unit the value keeps growing in TiB.
		{3 << 40, "3.00 TiB"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.in.Humanized())
	}
}

func TestBytes_UnitAccessors(t *testing.T) {
	assert.InDelta(t, 1.5, Bytes(1536).KiB(), 1e-12)
	assert.InDelta(t, 1.0, Bytes(1<<20).MiB(), 1e-12)
	assert.InDelta(t, 2048.0, Bytes(2<<30).MiB(), 1e-9)
}

func TestBytes_StringMatchesHumanized(t *testing.T) {
	b := Bytes(42 << 20)
	assert.Equal(t, b.Humanized(), b.String())
}
