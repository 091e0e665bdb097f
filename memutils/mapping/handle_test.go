package mapping_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/anchorage/memutils/mapping"
)

func TestHandleRoundTrip(t *testing.T) {
	testCases := map[string]struct {
		ID     mapping.ID
		Offset int
	}{
		"Zero":      {ID: 0, Offset: 0},
		"MaxID":     {ID: mapping.MaxID, Offset: 0},
		"MaxOffset": {ID: 17, Offset: mapping.MaxOffset},
		"BothMax":   {ID: mapping.MaxID, Offset: mapping.MaxOffset},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			h := mapping.Encode(testCase.ID, testCase.Offset)
			require.True(t, mapping.IsHandle(uint64(h)))

			id, offset := h.Decode()
			require.Equal(t, testCase.ID, id)
			require.Equal(t, testCase.Offset, offset)
		})
	}
}

func TestHandleRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10000; i++ {
		id := mapping.ID(rng.Int63n(int64(mapping.MaxID) + 1))
		offset := int(rng.Int63n(int64(mapping.MaxOffset) + 1))

		id2, offset2 := mapping.Encode(id, offset).Decode()
		require.Equal(t, id, id2)
		require.Equal(t, offset, offset2)
	}
}

func TestHandleTag(t *testing.T) {
	require.False(t, mapping.IsHandle(0x7fff_ffff_ffff_ffff))
	require.False(t, mapping.NullHandle.IsValid())

	h := mapping.Encode(3, 40)
	require.Equal(t, mapping.Encode(3, 0), h.Base())
	require.Equal(t, mapping.Encode(3, 8), h.WithOffset(8))
}

func TestHandleEncodeOutOfRange(t *testing.T) {
	require.Panics(t, func() {
		mapping.Encode(mapping.MaxID+1, 0)
	})
	require.Panics(t, func() {
		mapping.Encode(0, -1)
	})
}
