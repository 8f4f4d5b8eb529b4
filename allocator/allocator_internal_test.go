package allocator

import "testing"

func TestRegisterCounts(t *testing.T) {
	cases := []struct {
		name string
		word uint32
		want [6]uint32 // intG, intS, intL, fltG, fltS, fltL
	}{
		{"zero", 0, [6]uint32{}},
		{"one int local", 1 << 10, [6]uint32{0, 0, 1, 0, 0, 0}},
		{"int shared and local", 1<<5 | 1<<10, [6]uint32{0, 1, 1, 0, 0, 0}},
		{"all fields saturated", ^uint32(0), [6]uint32{31, 31, 31, 31, 31, 31}},
		{"float fields only", 2<<15 | 3<<20 | 4<<25, [6]uint32{0, 0, 0, 2, 3, 4}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			intG, intS, intL, fltG, fltS, fltL := registerCounts(c.word)
			got := [6]uint32{intG, intS, intL, fltG, fltS, fltL}
			if got != c.want {
				t.Fatalf("registerCounts(%#x) = %v, want %v", c.word, got, c.want)
			}
		})
	}
}
