package txq

// workRequestInlineOffset returns the byte offset, from the WQE ring's base,
// of the inlineOff-th inline byte of the transmission whose ethernet
// segment's inline-header field starts at writeOrigin (itself a ring-base
// byte offset), wrapping to offset 0 when the ring tail is reached and
// rounding up to the next 16-byte boundary when roundTo16 is set (so a data
// segment that follows starts aligned).
//
// Rounding is "(x + 15) &^ 0xf" in both the wrapped and the unwrapped
// branch. Real write origins sit 2 bytes short of a 16-byte boundary, so a
// rounded result is always 16-byte aligned.
func workRequestInlineOffset(ringLen, writeOrigin, inlineOff int, roundTo16 bool) int {
	endPtr := ringLen
	cur := writeOrigin

	if endPtr-cur <= inlineOff {
		second := inlineOff - (endPtr - cur)
		cur = 0
		if roundTo16 {
			cur += (second + 15) &^ 0xf
		} else {
			cur += second
		}
		return cur
	}

	endInline := cur + inlineOff
	if endPtr-endInline <= 15 && roundTo16 {
		return 0
	}
	if inlineOff <= 2 {
		if roundTo16 {
			cur += 2
		} else {
			cur += inlineOff
		}
		return cur
	}
	cur += 2
	if roundTo16 {
		cur += (inlineOff - 2 + 15) &^ 0xf
	} else {
		cur += inlineOff - 2
	}
	return cur
}
