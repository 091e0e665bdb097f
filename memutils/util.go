package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64 | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// Log2 returns the base 2 logarithm of a power of two
func Log2[T Number](value T) uint {
	var shift uint
	for value > 1 {
		value >>= 1
		shift++
	}
	return shift
}

// Fraction returns numerator/denominator as a float, or fallback when the denominator is zero
func Fraction(numerator, denominator int, fallback float64) float64 {
	if denominator == 0 {
		return fallback
	}
	return float64(numerator) / float64(denominator)
}
