package formulaengine

import (
	"github.com/xuri/nfp"
)

// PatternKind classifies a number display pattern.
type PatternKind uint8

// Pattern classifications.
const (
	PatternGeneral PatternKind = iota
	PatternNumeric
	PatternDateTime
)

// validNumberPattern reports whether a display pattern parses into at
// least one section. Invalid patterns are dropped during format
// propagation rather than carried into the runtime format map.
func validNumberPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	ps := nfp.NumberFormatParser()
	return len(ps.Parse(pattern)) > 0
}

// classifyPattern inspects a pattern's token stream and decides whether it
// is a date/time pattern, a numeric pattern or plain General formatting.
func classifyPattern(pattern string) PatternKind {
	if pattern == "" {
		return PatternGeneral
	}
	numeric := false
	ps := nfp.NumberFormatParser()
	for _, section := range ps.Parse(pattern) {
		for _, token := range section.Items {
			switch token.TType {
			case nfp.TokenTypeDateTimes, nfp.TokenTypeElapsedDateTimes:
				return PatternDateTime
			case nfp.TokenTypeZeroPlaceHolder, nfp.TokenTypeHashPlaceHolder,
				nfp.TokenTypePercent:
				numeric = true
			}
		}
	}
	if numeric {
		return PatternNumeric
	}
	return PatternGeneral
}

// propagatePattern implements the arithmetic format rule: the left
// operand's pattern wins, else the right operand's. Patterns that fail to
// parse are treated as absent.
func propagatePattern(left, right string) string {
	if left != "" && validNumberPattern(left) {
		return left
	}
	if right != "" && validNumberPattern(right) {
		return right
	}
	return ""
}
