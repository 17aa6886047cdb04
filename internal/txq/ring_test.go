package txq

import "testing"

// TestWorkRequestInlineOffsetStaysWithinRing checks invariant 8: the
// returned offset always lies within [0, ringLen), for every inline_off in
// [0, ringLen) and every write origin, with and without rounding.
func TestWorkRequestInlineOffsetStaysWithinRing(t *testing.T) {
	const ringLen = 4 * wqeStride
	// Real write origins are always slot_base(a multiple of wqeStride) + 30
	// (ctrl_seg size 16 + inline_hdr_start offset 14), so they land 14 mod
	// 16 -- the one alignment the rounding branches actually rely on.
	for _, writeOrigin := range []int{30, wqeStride + 30, 2*wqeStride + 30, 3*wqeStride + 30} {
		for inlineOff := 0; inlineOff < ringLen; inlineOff++ {
			for _, round := range []bool{false, true} {
				got := workRequestInlineOffset(ringLen, writeOrigin, inlineOff, round)
				if got < 0 || got >= ringLen {
					t.Fatalf("writeOrigin=%d inlineOff=%d round=%v: offset %d out of [0,%d)", writeOrigin, inlineOff, round, got, ringLen)
				}
			}
		}
	}
}

// TestWorkRequestInlineOffsetMonotonicWithinSegment checks that consecutive
// calls with increasing inline_off, while still short of a wrap, advance the
// returned offset by exactly the increment.
func TestWorkRequestInlineOffsetMonotonicWithinSegment(t *testing.T) {
	const ringLen = 4 * wqeStride
	writeOrigin := 16
	prev := workRequestInlineOffset(ringLen, writeOrigin, 3, false)
	for inlineOff := 4; inlineOff < 20; inlineOff++ {
		cur := workRequestInlineOffset(ringLen, writeOrigin, inlineOff, false)
		// Both calls are within the same (non-wrapped) segment since
		// writeOrigin+inlineOff stays well short of ringLen here.
		if cur-prev != 1 {
			t.Fatalf("inlineOff=%d: offset advanced by %d, want 1", inlineOff, cur-prev)
		}
		prev = cur
	}
}

// TestWorkRequestInlineOffsetWrapsAtTail exercises the wrap branch directly:
// a write origin near the ring tail with an inline_off that pushes past it
// must land at (or very near) the ring base.
func TestWorkRequestInlineOffsetWrapsAtTail(t *testing.T) {
	const ringLen = 4 * wqeStride
	writeOrigin := ringLen - 8
	got := workRequestInlineOffset(ringLen, writeOrigin, 20, false)
	want := 20 - 8 // second_segment = inlineOff - (ringLen - writeOrigin)
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

// TestWorkRequestInlineOffsetRoundingNearTail checks the "within 15 bytes of
// the tail" branch forces a wrap to the ring base even though the unrounded
// position would still fit.
func TestWorkRequestInlineOffsetRoundingNearTail(t *testing.T) {
	const ringLen = 4 * wqeStride
	writeOrigin := ringLen - 10
	got := workRequestInlineOffset(ringLen, writeOrigin, 3, true)
	if got != 0 {
		t.Fatalf("got %d, want 0 (forced wrap within 15 bytes of tail)", got)
	}
}
