// Package tensor provides the host tensor type flowing between operators.
package tensor

// DataType represents runtime element type information for tensors.
type DataType int

// Supported element types.
const (
	Float32 DataType = iota
	Float16
	Int8
)

// Size returns the byte size of one scalar element.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float16:
		return 2
	case Int8:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int8:
		return "int8"
	default:
		return "unknown"
	}
}

// Wider reports whether every value of other is exactly representable in dt
// and dt is strictly larger.
func (dt DataType) Wider(other DataType) bool {
	switch dt {
	case Float32:
		return other == Float16 || other == Int8
	case Float16:
		return other == Int8
	default:
		return false
	}
}
