package stretch

// MTF evaluates the midtones transfer function with balance m at x.
// MTF(m, 0) = 0, MTF(m, m) = 0.5 and MTF(m, 1) = 1.
func MTF(m, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	case x == m:
		return 0.5
	}
	d := (2*m-1)*x - m
	if d == 0 {
		return 0.5
	}
	return ((m - 1) * x) / d
}

// SolveMTF returns the midtones balance that maps measured onto target,
// i.e. MTF(SolveMTF(target, measured), measured) == target.
//
// Degenerate inputs collapse to the endpoints: a measured level of 0 or 1
// yields 0 or 1, and so does a target of 0 or 1.
func SolveMTF(target, measured float64) float64 {
	switch {
	case measured <= 0:
		return 0
	case measured >= 1:
		return 1
	case target <= 0:
		return 0
	case target >= 1:
		return 1
	}
	return ((target - 1) * measured) / ((2*target-1)*measured - target)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
