package ot

// Transform rewrites a so that it applies after prior, where both were
// authored against the same document. prior wins ties between insertions at
// the same position.
func Transform(a, prior Change) (Change, error) {
	return transform(a, prior, true)
}

// TransformYielding is Transform with the tie rule reversed: a keeps its place
// ahead of prior when both insert at the same position.
func TransformYielding(a, prior Change) (Change, error) {
	return transform(a, prior, false)
}

func transform(a, b Change, bWins bool) (Change, error) {
	if b.IsNoop() {
		return a, nil
	}
	bStart, bEnd := b.Pos, b.end()
	bIns := b.InsertLen()
	aStart, aEnd := a.Pos, a.end()

	// pure insertion at the start of b. The tie rule only applies between
	// two insertions; against a removal the insertion always stays ahead.
	if a.Delete == 0 && aStart == bStart {
		if bWins && b.Delete == 0 {
			a.Pos += bIns
		}
		return a, nil
	}
	// entirely before b
	if aEnd <= bStart {
		return a, nil
	}
	// entirely after b's removed range
	if aStart >= bEnd {
		a.Pos += bIns - b.Delete
		return a, nil
	}

	// overlap with the range b removed
	if a.Delete == 0 {
		return a, ErrRangeGone
	}
	left := 0
	if bStart > aStart {
		left = bStart - aStart
	}
	right := 0
	if aEnd > bEnd {
		right = aEnd - bEnd
	}
	switch {
	case left == 0 && right == 0:
		return a, ErrRangeGone
	case left > 0 && right > 0:
		// b sits strictly inside a; deleting across b's insertion would
		// swallow text a never saw.
		if bIns > 0 {
			return a, ErrRangeGone
		}
		a.Delete = left + right
	case left > 0:
		a.Delete = left
	default:
		a.Pos = bStart + bIns
		a.Delete = right
	}
	return a, nil
}

// TransformAll rebases a over a sequence of changes applied in order.
func TransformAll(a Change, prior []Change) (Change, error) {
	var err error
	for _, p := range prior {
		if a, err = Transform(a, p); err != nil {
			return a, err
		}
	}
	return a, nil
}
