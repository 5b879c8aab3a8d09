package scheduler

import "testing"

func TestParseHexRoundTrip(t *testing.T) {
	b, err := ParseHex("ffff", 16)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 16; i++ {
		if !b.Bit(i) {
			t.Fatalf("bit %d should be free", i)
		}
	}
	if got := b.Hex(); got != "ffff" {
		t.Fatalf("round trip gave %q", got)
	}

	b, err = ParseHex("a0", 8)
	if err != nil {
		t.Fatal(err)
	}
	// 0xa0 = 1010 0000: slots 0 and 2 free
	for i, want := range []bool{true, false, true, false, false, false, false, false} {
		if b.Bit(i) != want {
			t.Fatalf("bit %d: got %v want %v", i, b.Bit(i), want)
		}
	}
}

func TestParseHexRejectsGarbage(t *testing.T) {
	if _, err := ParseHex("xyz", 8); err == nil {
		t.Fatal("expected an error for non-hex input")
	}
	if _, err := ParseHex("", 8); err == nil {
		t.Fatal("expected an error for an empty mask")
	}
}

func TestParseHexShortMaskLeavesRestBusy(t *testing.T) {
	b, err := ParseHex("f", 8)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if !b.Bit(i) {
			t.Fatalf("bit %d should be free", i)
		}
	}
	for i := 4; i < 8; i++ {
		if b.Bit(i) {
			t.Fatalf("bit %d should be busy", i)
		}
	}
}

func TestAndAndFindRun(t *testing.T) {
	a := FullBitmap(500)
	b := FullBitmap(500)
	// a busy on [0,10), b busy on [10,20): first common run of 5 is at 20.
	for i := 0; i < 10; i++ {
		a.Clear(i)
	}
	for i := 10; i < 20; i++ {
		b.Clear(i)
	}
	common := a.And(b)
	if got := common.FindRun(5); got != 20 {
		t.Fatalf("FindRun(5) = %d, want 20", got)
	}
	if got := common.FindRun(480); got != 20 {
		t.Fatalf("FindRun(480) = %d, want 20", got)
	}
	if got := common.FindRun(481); got != -1 {
		t.Fatalf("FindRun(481) = %d, want -1", got)
	}
}

func TestFindRunOnEmptyBitmap(t *testing.T) {
	b := NewBitmap(500)
	if got := b.FindRun(1); got != -1 {
		t.Fatalf("empty bitmap FindRun = %d", got)
	}
}

func TestFindRunAcrossWordBoundary(t *testing.T) {
	b := NewBitmap(128)
	for i := 60; i < 70; i++ {
		b.Set(i)
	}
	if got := b.FindRun(10); got != 60 {
		t.Fatalf("FindRun(10) = %d, want 60", got)
	}
	if got := b.FindRun(11); got != -1 {
		t.Fatalf("FindRun(11) = %d, want -1", got)
	}
}
