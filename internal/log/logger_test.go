package log

import (
	"errors"
	"testing"
)

func TestHex(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0x0"},
		{0x401000, "0x401000"},
		{0xdeadbeef, "0xdeadbeef"},
		{0xffffffffffffffff, "0xffffffffffffffff"},
	}
	for _, tt := range tests {
		if got := Hex(tt.in); got != tt.want {
			t.Errorf("Hex(%#x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEventCallback(t *testing.T) {
	l := NewNop()

	var gotCat, gotName string
	var gotPC uint64
	l.SetOnEvent(func(pc uint64, category, name, detail string) {
		gotPC = pc
		gotCat = category
		gotName = name
	})

	l.Event(0x401000, "ret", "unresolved", "dst=0x5000")
	if gotPC != 0x401000 || gotCat != "ret" || gotName != "unresolved" {
		t.Errorf("callback got pc=%#x cat=%q name=%q", gotPC, gotCat, gotName)
	}

	// Derived loggers keep the callback.
	gotName = ""
	l.WithCategory("cfi").WithSession("abc").Event(0, "jmp", "miss", "")
	if gotName != "miss" {
		t.Errorf("derived logger lost callback, name=%q", gotName)
	}
}

func TestHelpersDoNotPanicOnNop(t *testing.T) {
	l := OrNop(nil)
	l.Miss("jmp", "unresolved", "a.exe", 0xAAAA, 0x401000, 0x5000)
	l.Invariant("free", 0xAAAA, 0x900000, errors.New("boom"))
	l.ModuleResolved("kernel32.dll", "/mnt/kernel32.dll", 10, false)
}
