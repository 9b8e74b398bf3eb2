package device

import (
	"encoding/binary"
	"math"
)

// Float16ToFloat32 expands an IEEE 754 half-precision value.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF
	var f32 uint32
	switch {
	case exp == 0:
		if mant == 0 {
			f32 = sign << 31
		} else {
			shift := uint32(0)
			m := mant
			for m < 0x400 {
				m <<= 1
				shift++
			}
			m = (m & 0x3FF) << 13
			e := uint32(127 - 14 - shift)
			f32 = (sign << 31) | (e << 23) | m
		}
	case exp == 31:
		f32 = (sign << 31) | 0x7F800000 | (mant << 13)
	default:
		newExp := exp - 15 + 127
		f32 = (sign << 31) | (newExp << 23) | (mant << 13)
	}
	return math.Float32frombits(f32)
}

// BFloat16ToFloat32 expands a bfloat16 value (truncated float32).
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// DecodeF32 reinterprets little-endian float32 bytes.
func DecodeF32(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// DecodeF16 expands little-endian float16 bytes.
func DecodeF16(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

// DecodeBF16 expands little-endian bfloat16 bytes.
func DecodeBF16(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = BFloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}
