package formulaengine

import (
	"strings"

	"golang.org/x/text/cases"
)

// CompareOp identifies a relational operator.
type CompareOp uint8

// Relational operators.
const (
	Equals CompareOp = iota
	NotEquals
	LessThan
	LessThanOrEqual
	GreaterThan
	GreaterThanOrEqual
)

// compareOpFromToken maps an infix operator token to its CompareOp.
func compareOpFromToken(tok string) (CompareOp, bool) {
	switch tok {
	case "=":
		return Equals, true
	case "<>":
		return NotEquals, true
	case "<":
		return LessThan, true
	case "<=":
		return LessThanOrEqual, true
	case ">":
		return GreaterThan, true
	case ">=":
		return GreaterThanOrEqual, true
	}
	return 0, false
}

// reverse flips a relational operator for swapped operand order.
func (op CompareOp) reverse() CompareOp {
	switch op {
	case LessThan:
		return GreaterThan
	case LessThanOrEqual:
		return GreaterThanOrEqual
	case GreaterThan:
		return LessThan
	case GreaterThanOrEqual:
		return LessThanOrEqual
	}
	return op
}

// holds reports whether the three-way comparison result c (-1, 0, 1)
// satisfies the operator.
func (op CompareOp) holds(c int) bool {
	switch op {
	case Equals:
		return c == 0
	case NotEquals:
		return c != 0
	case LessThan:
		return c < 0
	case LessThanOrEqual:
		return c <= 0
	case GreaterThan:
		return c > 0
	case GreaterThanOrEqual:
		return c >= 0
	}
	return false
}

// caseFolder implements the case-insensitive letter folding used for all
// string comparisons.
var caseFolder = cases.Fold()

// foldString lower-folds a string for case-insensitive comparison.
func foldString(s string) string { return caseFolder.String(s) }

// Compare applies a relational operator to two values following spreadsheet
// ordering rules:
//
//   - Errors propagate unchanged.
//   - Same-kind operands compare naturally (strings case-insensitively,
//     with wildcard support on the right operand of = and <>).
//   - A string compared against a number or boolean is never equal to it,
//     and orders above it: <> , > and >= hold when the string is on the
//     left; when the string is on the right the reversed operator is
//     consulted.
//   - Null coerces to the zero/empty value of the other operand's kind.
func (v *Value) Compare(other *Value, op CompareOp) *Value {
	if e := firstError(v, other); e != nil {
		return e
	}
	left, right := v, other

	// Null adopts the other side's zero value.
	if left.kind == KindNull && right.kind != KindNull {
		left = zeroOf(right.kind)
	}
	if right.kind == KindNull && left.kind != KindNull {
		right = zeroOf(left.kind)
	}

	switch {
	case left.kind == right.kind:
		return compareSameKind(left, right, op)
	case left.kind == KindString:
		return NewBoolean(mixedStringCompare(op))
	case right.kind == KindString:
		// String on the right: the table is written for the string on
		// the left, so consult it with the operator reversed.
		return NewBoolean(mixedStringCompare(op.reverse()))
	case left.kind == KindNumber && right.kind == KindBoolean:
		// Booleans order above all numbers; equality across kinds is
		// always false.
		return NewBoolean(mixedStringCompare(op.reverse()))
	case left.kind == KindBoolean && right.kind == KindNumber:
		return NewBoolean(mixedStringCompare(op))
	}
	return NewError(ErrorVALUE)
}

// mixedStringCompare resolves a cross-kind comparison where the left
// operand's kind dominates the right's in the total order: NOT_EQUAL,
// GREATER_THAN and GREATER_THAN_OR_EQUAL hold, the rest do not.
func mixedStringCompare(op CompareOp) bool {
	switch op {
	case NotEquals, GreaterThan, GreaterThanOrEqual:
		return true
	}
	return false
}

// zeroOf returns the zero/empty value for a kind, used for null coercion.
func zeroOf(kind ValueKind) *Value {
	switch kind {
	case KindNumber:
		return NewNumber(0)
	case KindString:
		return NewString("")
	case KindBoolean:
		return NewBoolean(false)
	}
	return NullValue()
}

func compareSameKind(left, right *Value, op CompareOp) *Value {
	switch left.kind {
	case KindNumber:
		return NewBoolean(op.holds(left.number.Cmp(&right.number)))
	case KindString:
		if (op == Equals || op == NotEquals) && strings.ContainsAny(right.text, "*?~") {
			matched := matchWildcard(right.text, left.text)
			if op == Equals {
				return NewBoolean(matched)
			}
			return NewBoolean(!matched)
		}
		return NewBoolean(op.holds(strings.Compare(foldString(left.text), foldString(right.text))))
	case KindBoolean:
		return NewBoolean(op.holds(boolCmp(left.boolean, right.boolean)))
	case KindNull:
		return NewBoolean(op.holds(0))
	}
	return NewError(ErrorVALUE)
}

func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case b:
		return -1
	}
	return 1
}

// matchWildcard reports whether s matches the spreadsheet wildcard pattern:
// * matches any run of characters, ? matches exactly one, ~ escapes the
// following character. Matching is case-insensitive.
func matchWildcard(pattern, s string) bool {
	p := []rune(foldString(pattern))
	t := []rune(foldString(s))

	// Iterative glob match with single backtrack point for *.
	pi, ti := 0, 0
	star, starTi := -1, 0
	for ti < len(t) {
		var lit rune
		literal := false
		if pi < len(p) {
			switch p[pi] {
			case '~':
				if pi+1 < len(p) {
					lit, literal = p[pi+1], true
				}
			case '?':
				pi++
				ti++
				continue
			case '*':
				star, starTi = pi, ti
				pi++
				continue
			default:
				lit, literal = p[pi], true
			}
		}
		if literal && lit == t[ti] {
			if p[pi] == '~' {
				pi += 2
			} else {
				pi++
			}
			ti++
			continue
		}
		if star >= 0 {
			starTi++
			pi, ti = star+1, starTi
			continue
		}
		return false
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
