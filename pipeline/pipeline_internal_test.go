package pipeline

import (
	"testing"

	"github.com/sarchlab/ringcore/family"
	"github.com/sarchlab/ringcore/register"
	"github.com/sarchlab/ringcore/thread"
)

func TestResolveRegister(t *testing.T) {
	// Window layout for G=2, S=1, L=3: [0,1]=globals, [2]=own shared,
	// [3,5]=locals, [6]=dependent.
	fr := family.RegInfo{Globals: 2, Shareds: 1, Locals: 3, Base: 100}
	tr := thread.RegInfo{Base: 110}
	pred := thread.RegInfo{Base: 102}

	cases := []struct {
		name   string
		win    uint32
		want   uint32
		wantOK bool
	}{
		{"first global", 0, 100, true},
		{"second global", 1, 101, true},
		{"own shared", 2, 110, true},
		{"first local", 3, 111, true},
		{"last local", 5, 113, true},
		{"dependent", 6, 102, true},
		{"past the window", 7, 0, false},
		{"unused operand", register.Invalid, register.Invalid, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			addr, ok := resolveRegister(c.win, register.Integer, fr, tr, pred)
			if ok != c.wantOK {
				t.Fatalf("resolveRegister(%d): ok = %v, want %v", c.win, ok, c.wantOK)
			}
			if ok && addr.Index != c.want {
				t.Fatalf("resolveRegister(%d): index = %d, want %d", c.win, addr.Index, c.want)
			}
		})
	}
}

func TestBytesToUint64(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want uint64
	}{
		{"empty", nil, 0},
		{"single byte", []byte{0x2A}, 0x2A},
		{"little endian order", []byte{0x01, 0x02}, 0x0201},
		{"full word", []byte{1, 0, 0, 0, 0, 0, 0, 0x80}, 1 | 0x80<<56},
		{"over-long input truncates", []byte{1, 0, 0, 0, 0, 0, 0, 0, 0xFF}, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := bytesToUint64(c.in); got != c.want {
				t.Fatalf("bytesToUint64(%v) = %#x, want %#x", c.in, got, c.want)
			}
		})
	}
}
