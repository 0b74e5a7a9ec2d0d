package shipping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionsCoverChile(t *testing.T) {
	rs := Regions()
	require.Len(t, rs, 16)
	assert.Equal(t, "CL-AP", rs[0].Code)
	assert.Equal(t, "CL-MA", rs[len(rs)-1].Code)

	rs[0].Code = "mutated"
	assert.Equal(t, "CL-AP", Regions()[0].Code, "callers get a copy")
}

func TestLookupRegionForms(t *testing.T) {
	for _, code := range []string{"CL-RM", "cl-rm", "RM", " rm "} {
		r, ok := LookupRegion(code)
		require.True(t, ok, code)
		assert.Equal(t, ZoneMetropolitana, r.Zone)
	}
	_, ok := LookupRegion("CL-XX")
	assert.False(t, ok)
	_, ok = LookupRegion("")
	assert.False(t, ok)
}

func TestQuote(t *testing.T) {
	tariffs := DefaultTariffs()

	cases := []struct {
		name     string
		region   string
		method   Method
		subtotal int64
		cost     int64
		free     bool
		err      error
	}{
		{"santiago", "CL-RM", MethodDelivery, 19990, 3990, false, nil},
		{"valparaiso", "VS", MethodDelivery, 19990, 4990, false, nil},
		{"temuco", "CL-AR", MethodDelivery, 19990, 5990, false, nil},
		{"arica", "CL-AP", MethodDelivery, 19990, 6990, false, nil},
		{"punta arenas", "CL-MA", MethodDelivery, 19990, 8990, false, nil},
		{"free at threshold", "CL-MA", MethodDelivery, 50000, 0, true, nil},
		{"pickup ignores region", "", MethodPickup, 1000, 0, true, nil},
		{"unknown region", "CL-ZZ", MethodDelivery, 1000, 0, false, ErrUnknownRegion},
		{"unknown method", "CL-RM", Method("drone"), 1000, 0, false, ErrUnknownMethod},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := tariffs.Quote(tc.region, tc.method, tc.subtotal)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.cost, q.Cost)
			assert.Equal(t, tc.free, q.Free)
		})
	}
}

func TestWithOverrides(t *testing.T) {
	base := DefaultTariffs()
	tt := base.WithOverrides(map[string]int64{"Austral": 9990, "luna": 1}, 0)

	assert.Equal(t, int64(9990), tt.Zones[ZoneAustral])
	assert.Equal(t, int64(8990), base.Zones[ZoneAustral], "base is untouched")
	assert.NotContains(t, tt.Zones, Zone("luna"))

	q, err := tt.Quote("CL-AI", MethodDelivery, 1_000_000)
	require.NoError(t, err)
	assert.False(t, q.Free, "zero threshold disables free shipping")
	assert.Equal(t, int64(9990), q.Cost)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodDelivery, m)

	m, err = ParseMethod("PICKUP")
	require.NoError(t, err)
	assert.Equal(t, MethodPickup, m)

	_, err = ParseMethod("courier")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
