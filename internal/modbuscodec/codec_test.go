package modbuscodec

import (
	"math"
	"testing"
)

// P3: for every byte order and every value, decode(encode(v)) == v.
func TestRoundTripFloat32(t *testing.T) {
	orders := []ByteOrder{ABCD, BADC, CDAB, DCBA}
	values := []float32{0, 1, -1, 3.14159, -273.15, math.MaxFloat32, -math.MaxFloat32, 1e-10}

	for _, o := range orders {
		for _, v := range values {
			r0, r1, err := EncodeFloat32(o, v)
			if err != nil {
				t.Fatalf("order %s: encode(%v): %v", o, v, err)
			}
			got, err := DecodeFloat32(o, r0, r1)
			if err != nil {
				t.Fatalf("order %s: decode: %v", o, err)
			}
			if got != v && !(math.IsNaN(float64(got)) && math.IsNaN(float64(v))) {
				t.Errorf("order %s: round-trip mismatch: encoded %v, decoded %v", o, v, got)
			}
		}
	}
}

func TestRoundTripInt32(t *testing.T) {
	orders := []ByteOrder{ABCD, BADC, CDAB, DCBA}
	values := []int32{0, 1, -1, math.MaxInt32, math.MinInt32, 123456, -654321}

	for _, o := range orders {
		for _, v := range values {
			r0, r1, err := EncodeInt32(o, v)
			if err != nil {
				t.Fatalf("order %s: encode(%d): %v", o, v, err)
			}
			got, err := DecodeInt32(o, r0, r1)
			if err != nil {
				t.Fatalf("order %s: decode: %v", o, err)
			}
			if got != v {
				t.Errorf("order %s: round-trip mismatch: encoded %d, decoded %d", o, v, got)
			}
		}
	}
}

// The four orders must actually differ in register layout for a
// non-palindromic value, otherwise the "byte order" config is a no-op.
func TestOrdersProduceDistinctLayouts(t *testing.T) {
	v := float32(12345.6789)
	seen := map[[2]uint16]bool{}
	for _, o := range []ByteOrder{ABCD, BADC, CDAB, DCBA} {
		r0, r1, _ := EncodeFloat32(o, v)
		seen[[2]uint16{r0, r1}] = true
	}
	if len(seen) != 4 {
		t.Errorf("expected 4 distinct register layouts across byte orders, got %d", len(seen))
	}
}

func TestUnknownByteOrder(t *testing.T) {
	if _, _, err := EncodeU32(ByteOrder("weird"), 1); err == nil {
		t.Error("expected error for unknown byte order")
	}
	if _, err := DecodeU32(ByteOrder("weird"), 0, 0); err == nil {
		t.Error("expected error for unknown byte order")
	}
}

func TestCoilMapping(t *testing.T) {
	if CoilToFloat(true) != 1.0 {
		t.Error("true coil should map to 1.0")
	}
	if CoilToFloat(false) != 0.0 {
		t.Error("false coil should map to 0.0")
	}
	if !FloatToCoil(1.0) || !FloatToCoil(0.5) {
		t.Error("positive values should map to coil-on")
	}
	if FloatToCoil(0) || FloatToCoil(-1) {
		t.Error("non-positive values should map to coil-off")
	}
}

func TestInt16RoundTrip(t *testing.T) {
	for _, v := range []int16{0, 1, -1, math.MaxInt16, math.MinInt16} {
		if got := DecodeInt16(EncodeInt16(v)); got != v {
			t.Errorf("int16 round trip: encoded %d, decoded %d", v, got)
		}
	}
}
