package anchorage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSizeClass(t *testing.T) {
	testCases := map[string]struct {
		size  int
		class int
		index int
	}{
		"Zero":             {size: 0, class: 16, index: 0},
		"One":              {size: 1, class: 16, index: 0},
		"SmallStep":        {size: 17, class: 32, index: 1},
		"SmallLimit":       {size: 256, class: 256, index: 15},
		"FirstLargeClass":  {size: 257, class: 288, index: 16},
		"MidDoubling":      {size: 300, class: 320, index: 17},
		"DoublingBoundary": {size: 512, class: 512, index: 23},
		"NextDoubling":     {size: 513, class: 576, index: 24},
		"MaxClass":         {size: MaxClassSize, class: MaxClassSize, index: sizeClassCount - 1},
		"Unclassed":        {size: MaxClassSize + 1, class: MaxClassSize + 16, index: -1},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.class, SizeClass(testCase.size))
			require.Equal(t, testCase.index, sizeClassIndex(testCase.size))
		})
	}
}

func TestSizeClassIndexIsDense(t *testing.T) {
	previousIndex := 0
	previousClass := SizeClass(1)

	for size := 1; size <= MaxClassSize; size++ {
		class := SizeClass(size)
		index := sizeClassIndex(size)

		require.GreaterOrEqual(t, class, size)
		if class == previousClass {
			require.Equal(t, previousIndex, index, "size %d", size)
		} else {
			require.Equal(t, previousIndex+1, index, "size %d", size)
		}

		previousClass = class
		previousIndex = index
	}

	require.Equal(t, sizeClassCount-1, previousIndex)
}
