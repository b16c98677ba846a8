package domain

// GradeFor bands a percentage into a letter grade. Every display of a grade goes
// through this function.
func GradeFor(percentage int) string {
	switch {
	case percentage >= 100:
		return "S"
	case percentage >= 80:
		return "A"
	case percentage >= 60:
		return "B"
	case percentage >= 40:
		return "C"
	default:
		return "F"
	}
}
