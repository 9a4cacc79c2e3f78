package formulaengine

import (
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// ValueKind tags the variant held by a Value. Values form a closed union;
// code consuming a Value switches on the kind rather than probing with
// predicate chains.
type ValueKind uint8

// Value variants.
const (
	KindNull ValueKind = iota
	KindNumber
	KindString
	KindBoolean
	KindError
	KindArray
	KindReference
)

// String returns a short name for the kind, used in diagnostics.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBoolean:
		return "boolean"
	case KindError:
		return "error"
	case KindArray:
		return "array"
	case KindReference:
		return "reference"
	}
	return "unknown"
}

// valuePrecision is the working precision for decimal arithmetic. Twenty
// significant digits comfortably covers Excel's fifteen-digit display
// precision while keeping 0.1+0.2 == 0.3 exact.
const valuePrecision = 20

// decimalCtx is the shared arithmetic context. Contexts are stateless with
// respect to operands, so sharing one across goroutines is safe.
var decimalCtx = apd.BaseContext.WithPrecision(valuePrecision)

// Value is an immutable spreadsheet value. Arithmetic produces new Value
// instances; a Value is never mutated after construction, so values may be
// freely shared between cells, caches and goroutines.
type Value struct {
	kind    ValueKind
	number  apd.Decimal
	pattern string // display pattern for numbers, propagated by arithmetic
	text    string
	boolean bool
	errName ErrorName
	rows    [][]*Value
	ref     *GridRange
}

var nullValue = &Value{kind: KindNull}

// NullValue returns the shared null value.
func NullValue() *Value { return nullValue }

// NewNumber builds a number value from a float64.
func NewNumber(f float64) *Value {
	v := &Value{kind: KindNumber}
	if _, err := v.number.SetFloat64(f); err != nil {
		return NewError(ErrorNUM)
	}
	// SetFloat64 preserves binary artifacts such as
	// 0.1 -> 0.1000000000000000055511151231257827. Round to the working
	// precision so decimal comparisons behave like display comparisons.
	if _, err := decimalCtx.Round(&v.number, &v.number); err != nil {
		return NewError(ErrorNUM)
	}
	v.number.Reduce(&v.number)
	return v
}

// NewDecimal builds a number value from a decimal. The decimal is copied.
func NewDecimal(d *apd.Decimal) *Value {
	v := &Value{kind: KindNumber}
	v.number.Set(d)
	return v
}

// NewNumberWithPattern builds a number carrying a display pattern.
// Patterns that do not parse as a number format are dropped.
func NewNumberWithPattern(f float64, pattern string) *Value {
	v := NewNumber(f)
	if v.kind == KindNumber && validNumberPattern(pattern) {
		v.pattern = pattern
	}
	return v
}

// NewString builds a string value.
func NewString(s string) *Value { return &Value{kind: KindString, text: s} }

// NewBoolean builds a boolean value.
func NewBoolean(b bool) *Value { return &Value{kind: KindBoolean, boolean: b} }

// NewError builds an error value.
func NewError(name ErrorName) *Value { return &Value{kind: KindError, errName: name} }

// NewArray builds an array value over row-major cells. Rows must be
// rectangular; the caller retains no right to mutate the slices afterwards.
func NewArray(rows [][]*Value) *Value { return &Value{kind: KindArray, rows: rows} }

// NewReference builds a reference value pointing at a grid range.
func NewReference(r GridRange) *Value { return &Value{kind: KindReference, ref: &r} }

// Kind returns the variant tag.
func (v *Value) Kind() ValueKind { return v.kind }

// IsError reports whether the value is an error variant.
func (v *Value) IsError() bool { return v.kind == KindError }

// ErrorName returns the error identity, or "" for non-error values.
func (v *Value) ErrorName() ErrorName {
	if v.kind != KindError {
		return ""
	}
	return v.errName
}

// Pattern returns the number display pattern, or "" when none is attached.
func (v *Value) Pattern() string { return v.pattern }

// WithPattern returns a copy of the value carrying the given display
// pattern. Only number values carry patterns; other kinds are returned
// unchanged, and a pattern that does not parse clears the field.
func (v *Value) WithPattern(pattern string) *Value {
	if !validNumberPattern(pattern) {
		pattern = ""
	}
	if v.kind != KindNumber || v.pattern == pattern {
		return v
	}
	out := &Value{kind: KindNumber, pattern: pattern}
	out.number.Set(&v.number)
	return out
}

// Float64 returns the numeric content as a float64. Ok is false for
// non-number values.
func (v *Value) Float64() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := v.number.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// Decimal returns a copy of the numeric content. Ok is false for non-number
// values.
func (v *Value) Decimal() (*apd.Decimal, bool) {
	if v.kind != KindNumber {
		return nil, false
	}
	d := new(apd.Decimal)
	d.Set(&v.number)
	return d, true
}

// Text returns the string content of a string value.
func (v *Value) Text() string { return v.text }

// Boolean returns the boolean content of a boolean value.
func (v *Value) Boolean() bool { return v.boolean }

// Rows returns the row-major cells of an array value.
func (v *Value) Rows() [][]*Value { return v.rows }

// Ref returns the grid range of a reference value, or nil.
func (v *Value) Ref() *GridRange { return v.ref }

// String renders the value the way a cell would display it, without
// applying number format patterns.
func (v *Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindNumber:
		reduced := new(apd.Decimal)
		reduced.Reduce(&v.number)
		return reduced.Text('f')
	case KindString:
		return v.text
	case KindBoolean:
		if v.boolean {
			return "TRUE"
		}
		return "FALSE"
	case KindError:
		return string(v.errName)
	case KindArray:
		var rows []string
		for _, row := range v.rows {
			var cells []string
			for _, cell := range row {
				cells = append(cells, cell.String())
			}
			rows = append(rows, strings.Join(cells, ","))
		}
		return "{" + strings.Join(rows, ";") + "}"
	case KindReference:
		return v.ref.Token()
	}
	return ""
}

// firstError returns the first error operand, or nil when none is an error.
func firstError(operands ...*Value) *Value {
	for _, op := range operands {
		if op.kind == KindError {
			return op
		}
	}
	return nil
}

// toDecimal coerces the value to a decimal for arithmetic. The second
// return is a non-nil error value when coercion is impossible: strings that
// do not parse as numbers yield #VALUE!, arrays and references likewise.
// Booleans coerce to 1/0 and null to 0.
func (v *Value) toDecimal() (*apd.Decimal, *Value) {
	switch v.kind {
	case KindNumber:
		d := new(apd.Decimal)
		d.Set(&v.number)
		return d, nil
	case KindBoolean:
		if v.boolean {
			return apd.New(1, 0), nil
		}
		return apd.New(0, 0), nil
	case KindNull:
		return apd.New(0, 0), nil
	case KindString:
		d, _, err := apd.NewFromString(strings.TrimSpace(v.text))
		if err != nil {
			return nil, NewError(ErrorVALUE)
		}
		return d, nil
	case KindError:
		return nil, v
	}
	return nil, NewError(ErrorVALUE)
}

// numberResult wraps a computed decimal as a number value, propagating the
// display pattern of the left operand (the right operand's pattern is used
// when the left carries none) and mapping non-finite results to #NUM!.
func numberResult(d *apd.Decimal, left, right *Value) *Value {
	if d.Form != apd.Finite {
		return NewError(ErrorNUM)
	}
	out := &Value{kind: KindNumber}
	out.number.Set(d)
	var leftPat, rightPat string
	if left != nil {
		leftPat = left.pattern
	}
	if right != nil {
		rightPat = right.pattern
	}
	out.pattern = propagatePattern(leftPat, rightPat)
	return out
}

// Plus adds two values with spreadsheet coercion rules.
func (v *Value) Plus(other *Value) *Value {
	if e := firstError(v, other); e != nil {
		return e
	}
	ld, lerr := v.toDecimal()
	if lerr != nil {
		return lerr
	}
	rd, rerr := other.toDecimal()
	if rerr != nil {
		return rerr
	}
	res := new(apd.Decimal)
	if _, err := decimalCtx.Add(res, ld, rd); err != nil {
		return NewError(ErrorNUM)
	}
	return numberResult(res, v, other)
}

// Minus subtracts other from v.
func (v *Value) Minus(other *Value) *Value {
	if e := firstError(v, other); e != nil {
		return e
	}
	ld, lerr := v.toDecimal()
	if lerr != nil {
		return lerr
	}
	rd, rerr := other.toDecimal()
	if rerr != nil {
		return rerr
	}
	res := new(apd.Decimal)
	if _, err := decimalCtx.Sub(res, ld, rd); err != nil {
		return NewError(ErrorNUM)
	}
	return numberResult(res, v, other)
}

// Multiply multiplies two values.
func (v *Value) Multiply(other *Value) *Value {
	if e := firstError(v, other); e != nil {
		return e
	}
	ld, lerr := v.toDecimal()
	if lerr != nil {
		return lerr
	}
	rd, rerr := other.toDecimal()
	if rerr != nil {
		return rerr
	}
	res := new(apd.Decimal)
	if _, err := decimalCtx.Mul(res, ld, rd); err != nil {
		return NewError(ErrorNUM)
	}
	return numberResult(res, v, other)
}

// Divide divides v by other. Division by a zero (numeric zero, FALSE or
// null) yields #DIV/0!.
func (v *Value) Divide(other *Value) *Value {
	if e := firstError(v, other); e != nil {
		return e
	}
	ld, lerr := v.toDecimal()
	if lerr != nil {
		return lerr
	}
	rd, rerr := other.toDecimal()
	if rerr != nil {
		return rerr
	}
	if rd.IsZero() {
		return NewError(ErrorDIV)
	}
	res := new(apd.Decimal)
	if _, err := decimalCtx.Quo(res, ld, rd); err != nil {
		return NewError(ErrorNUM)
	}
	return numberResult(res, v, other)
}

// Mod computes the remainder with the sign of the divisor, matching
// spreadsheet MOD: MOD(n, d) = n - d*FLOOR(n/d).
func (v *Value) Mod(other *Value) *Value {
	if e := firstError(v, other); e != nil {
		return e
	}
	ld, lerr := v.toDecimal()
	if lerr != nil {
		return lerr
	}
	rd, rerr := other.toDecimal()
	if rerr != nil {
		return rerr
	}
	if rd.IsZero() {
		return NewError(ErrorDIV)
	}
	res := new(apd.Decimal)
	if _, err := decimalCtx.Rem(res, ld, rd); err != nil {
		return NewError(ErrorNUM)
	}
	// Rem keeps the dividend's sign; shift into the divisor's.
	if !res.IsZero() && res.Negative != rd.Negative {
		if _, err := decimalCtx.Add(res, res, rd); err != nil {
			return NewError(ErrorNUM)
		}
	}
	return numberResult(res, v, other)
}

// Pow raises v to the power other. Zero raised to a negative power yields
// #DIV/0!; non-finite results yield #NUM!.
func (v *Value) Pow(other *Value) *Value {
	if e := firstError(v, other); e != nil {
		return e
	}
	ld, lerr := v.toDecimal()
	if lerr != nil {
		return lerr
	}
	rd, rerr := other.toDecimal()
	if rerr != nil {
		return rerr
	}
	if ld.IsZero() && rd.Negative && !rd.IsZero() {
		return NewError(ErrorDIV)
	}
	res := new(apd.Decimal)
	if _, err := decimalCtx.Pow(res, ld, rd); err != nil {
		return NewError(ErrorNUM)
	}
	return numberResult(res, v, other)
}

// Concatenate joins the display forms of two values with the & operator.
func (v *Value) Concatenate(other *Value) *Value {
	if e := firstError(v, other); e != nil {
		return e
	}
	return NewString(v.String() + other.String())
}

// Negate flips the sign of a numeric value (unary minus).
func (v *Value) Negate() *Value {
	if v.kind == KindError {
		return v
	}
	d, errVal := v.toDecimal()
	if errVal != nil {
		return errVal
	}
	res := new(apd.Decimal)
	res.Neg(d)
	return numberResult(res, v, nil)
}

// Percent divides a numeric value by one hundred (postfix % operator).
func (v *Value) Percent() *Value {
	if v.kind == KindError {
		return v
	}
	d, errVal := v.toDecimal()
	if errVal != nil {
		return errVal
	}
	res := new(apd.Decimal)
	if _, err := decimalCtx.Quo(res, d, apd.New(100, 0)); err != nil {
		return NewError(ErrorNUM)
	}
	return numberResult(res, v, nil)
}
