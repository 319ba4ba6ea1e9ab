package wasm

import "fmt"

// SIMD stack effects. The 0xFD opcode space is large but regular: beyond the
// memory operations and lane accessors, almost everything is a v128 unary or
// binary operator, a shift by i32, or a reduction to i32.

func (v *codeValidator) simdStep(imm SIMDImm) error {
	V, i32 := ValV128, ValI32
	sub := imm.SubOpcode

	switch {
	case sub <= SimdV128Load64Splat:
		return v.op([]ValType{i32}, V)
	case sub == SimdV128Store:
		return v.op([]ValType{i32, V})
	case sub == SimdV128Const:
		v.push(V)
		return nil
	case sub == SimdI8x16Shuffle, sub == 0x0E: // shuffle, swizzle
		return v.op([]ValType{V, V}, V)

	case sub >= 0x0F && sub <= 0x14: // splats
		return v.op([]ValType{simdLaneScalar(sub)}, V)

	case sub >= SimdI8x16ExtractLaneS && sub <= SimdF64x2ReplaceLane:
		t := simdLaneScalar(sub)
		if simdIsReplaceLane(sub) {
			return v.op([]ValType{V, t}, V)
		}
		return v.op([]ValType{V}, t)

	case sub >= 0x23 && sub <= 0x4C: // lane-wise comparisons
		return v.op([]ValType{V, V}, V)
	case sub == 0x4D: // v128.not
		return v.op([]ValType{V}, V)
	case sub >= 0x4E && sub <= 0x51: // and, andnot, or, xor
		return v.op([]ValType{V, V}, V)
	case sub == 0x52: // bitselect
		return v.op([]ValType{V, V, V}, V)
	case sub == 0x53: // any_true
		return v.op([]ValType{V}, i32)

	case sub >= SimdV128Load8Lane && sub <= SimdV128Load64Lane:
		return v.op([]ValType{i32, V}, V)
	case sub >= SimdV128Store8Lane && sub <= SimdV128Store64Lane:
		return v.op([]ValType{i32, V})
	case sub == SimdV128Load32Zero, sub == SimdV128Load64Zero:
		return v.op([]ValType{i32}, V)

	default:
		return v.simdNumeric(sub)
	}
}

// simdLaneScalar returns the scalar type a splat or lane accessor exchanges
// with the vector.
func simdLaneScalar(sub uint32) ValType {
	switch sub {
	case 0x12, 0x1D, 0x1E: // i64x2 splat / extract / replace
		return ValI64
	case 0x13, 0x1F, 0x20: // f32x4
		return ValF32
	case 0x14, 0x21, 0x22: // f64x2
		return ValF64
	default:
		return ValI32
	}
}

func simdIsReplaceLane(sub uint32) bool {
	switch sub {
	case 0x17, 0x1A, 0x1C, 0x1E, 0x20, 0x22:
		return true
	}
	return false
}

// simdNumeric classifies the arithmetic tail of the SIMD space (0x5E-0xFF).
func (v *codeValidator) simdNumeric(sub uint32) error {
	V, i32 := ValV128, ValI32

	// Reductions to i32: all_true and bitmask per lane shape
	switch sub {
	case 0x63, 0x64, 0x83, 0x84, 0xA3, 0xA4, 0xC3, 0xC4:
		return v.op([]ValType{V}, i32)
	}

	// Shifts by a scalar amount
	switch sub {
	case 0x6B, 0x6C, 0x6D, 0x8B, 0x8C, 0x8D, 0xAB, 0xAC, 0xAD, 0xCB, 0xCC, 0xCD:
		return v.op([]ValType{V, i32}, V)
	}

	if simdIsUnary(sub) {
		return v.op([]ValType{V}, V)
	}
	if simdIsBinary(sub) {
		return v.op([]ValType{V, V}, V)
	}
	return fmt.Errorf("unvalidatable 0xFD sub-opcode 0x%02x", sub)
}

func simdIsUnary(sub uint32) bool {
	switch sub {
	case 0x5E, 0x5F, // demote/promote
		0x60, 0x61, 0x62, // i8x16 abs, neg, popcnt
		0x67, 0x68, 0x69, 0x6A, // f32x4 rounding
		0x74, 0x75, 0x7A, // f64x2 ceil, floor, trunc
		0x7C, 0x7D, 0x7E, 0x7F, // extadd_pairwise
		0x80, 0x81, // i16x8 abs, neg
		0x94,                   // f64x2 nearest
		0xA0, 0xA1, 0xC0, 0xC1, // i32x4/i64x2 abs, neg
		0xE0, 0xE1, 0xE3, // f32x4 abs, neg, sqrt
		0xEC, 0xED, 0xEF: // f64x2 abs, neg, sqrt
		return true
	}
	// Lane-widening conversions: extends, trunc_sat, convert
	switch {
	case sub >= 0x87 && sub <= 0x8A, // i16x8 extend
		sub >= 0xA7 && sub <= 0xAA, // i32x4 extend
		sub >= 0xC7 && sub <= 0xCA, // i64x2 extend
		sub >= 0xF8 && sub <= 0xFF: // trunc_sat / convert
		return true
	}
	return false
}

func simdIsBinary(sub uint32) bool {
	switch {
	case sub == 0x65 || sub == 0x66, // i8x16 narrow
		sub >= 0x6E && sub <= 0x73, // i8x16 add/sub (saturating)
		sub >= 0x76 && sub <= 0x79, // i8x16 min/max
		sub == 0x7B,                // i8x16 avgr_u
		sub == 0x82,                // i16x8 q15mulr_sat_s
		sub == 0x85 || sub == 0x86, // i16x8 narrow
		sub >= 0x8E && sub <= 0x93, // i16x8 add/sub (saturating)
		sub == 0x95,                // i16x8 mul
		sub >= 0x96 && sub <= 0x99, // i16x8 min/max
		sub == 0x9B,                // i16x8 avgr_u
		sub >= 0x9C && sub <= 0x9F, // i16x8 extmul
		sub == 0xAE || sub == 0xB1 || sub == 0xB5, // i32x4 add, sub, mul
		sub >= 0xB6 && sub <= 0xBA, // i32x4 min/max, dot product
		sub >= 0xBC && sub <= 0xBF, // i32x4 extmul
		sub == 0xCE || sub == 0xD1 || sub == 0xD5, // i64x2 add, sub, mul
		sub >= 0xD6 && sub <= 0xDB, // i64x2 comparisons
		sub >= 0xDC && sub <= 0xDF, // i64x2 extmul
		sub >= 0xE4 && sub <= 0xEB, // f32x4 arithmetic
		sub >= 0xF0 && sub <= 0xF7: // f64x2 arithmetic
		return true
	}
	return false
}
