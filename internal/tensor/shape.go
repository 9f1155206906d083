package tensor

import "github.com/pkg/errors"

// Shape represents tensor dimensions, outermost (channel) first.
// A 3-D shape is {C, H, W}, a 2-D shape {H, W} and a 1-D shape {W}.
type Shape []int

// NumElements returns the total number of scalar elements.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks the shape has 1 to 3 positive dimensions.
func (s Shape) Validate() error {
	if len(s) == 0 || len(s) > 3 {
		return errors.Errorf("invalid rank %d (must be 1..3)", len(s))
	}
	for i, dim := range s {
		if dim <= 0 {
			return errors.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Outer returns the outermost dimension, the one channel packing groups.
func (s Shape) Outer() int {
	if len(s) == 0 {
		return 0
	}
	return s[0]
}

// Inner returns the number of elements in one outer slice.
func (s Shape) Inner() int {
	if len(s) == 0 {
		return 0
	}
	return Shape(s[1:]).product()
}

func (s Shape) product() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}
