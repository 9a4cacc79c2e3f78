package formulaengine

import (
	"math"

	"github.com/cockroachdb/apd/v3"
)

// unaryFloat applies a float64 math function to a numeric value. Domain
// violations and non-finite results map to #NUM!. Transcendental functions
// deliberately run on binary floating point; only the basic arithmetic
// operators need decimal exactness.
func (v *Value) unaryFloat(fn func(float64) float64) *Value {
	if v.kind == KindError {
		return v
	}
	d, errVal := v.toDecimal()
	if errVal != nil {
		return errVal
	}
	f, err := d.Float64()
	if err != nil {
		return NewError(ErrorNUM)
	}
	r := fn(f)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return NewError(ErrorNUM)
	}
	return NewNumber(r)
}

// Sin returns the sine of the value interpreted as radians.
func (v *Value) Sin() *Value { return v.unaryFloat(math.Sin) }

// Cos returns the cosine of the value interpreted as radians.
func (v *Value) Cos() *Value { return v.unaryFloat(math.Cos) }

// Tan returns the tangent of the value interpreted as radians.
func (v *Value) Tan() *Value { return v.unaryFloat(math.Tan) }

// Ln returns the natural logarithm; zero and negatives yield #NUM!.
func (v *Value) Ln() *Value { return v.unaryFloat(math.Log) }

// Log10 returns the base-10 logarithm; zero and negatives yield #NUM!.
func (v *Value) Log10() *Value { return v.unaryFloat(math.Log10) }

// Sqrt returns the square root; negatives yield #NUM!.
func (v *Value) Sqrt() *Value { return v.unaryFloat(math.Sqrt) }

// Abs returns the absolute value, computed on the decimal representation.
func (v *Value) Abs() *Value {
	if v.kind == KindError {
		return v
	}
	d, errVal := v.toDecimal()
	if errVal != nil {
		return errVal
	}
	res := new(apd.Decimal)
	res.Abs(d)
	return numberResult(res, v, nil)
}

// roundToDigits rounds d to the given number of decimal digits using the
// supplied rounding context. Negative digits round left of the decimal
// point, as ROUND(123.45, -1) = 120.
func roundToDigits(ctx *apd.Context, d *apd.Decimal, digits int) (*apd.Decimal, bool) {
	res := new(apd.Decimal)
	if _, err := ctx.Quantize(res, d, int32(-digits)); err != nil {
		return nil, false
	}
	return res, true
}

func (v *Value) roundWith(rounding apd.Rounder, digits *Value) *Value {
	if e := firstError(v, digits); e != nil {
		return e
	}
	d, errVal := v.toDecimal()
	if errVal != nil {
		return errVal
	}
	nd, errVal := digits.toDecimal()
	if errVal != nil {
		return errVal
	}
	n, err := nd.Int64()
	if err != nil {
		return NewError(ErrorVALUE)
	}
	ctx := apd.BaseContext.WithPrecision(valuePrecision)
	ctx.Rounding = rounding
	res, ok := roundToDigits(ctx, d, int(n))
	if !ok {
		return NewError(ErrorNUM)
	}
	return numberResult(res, v, nil)
}

// Round rounds to the given number of digits, halves away from zero.
func (v *Value) Round(digits *Value) *Value {
	return v.roundWith(apd.RoundHalfUp, digits)
}

// RoundUp rounds away from zero at the given number of digits.
func (v *Value) RoundUp(digits *Value) *Value {
	return v.roundWith(apd.RoundUp, digits)
}

// RoundDown rounds toward zero at the given number of digits.
func (v *Value) RoundDown(digits *Value) *Value {
	return v.roundWith(apd.RoundDown, digits)
}

// toMultiple implements the shared FLOOR/CEILING contract: round v to the
// nearest multiple of significance, downward for floor and upward for
// ceiling. A zero significance yields #DIV/0!; operands with opposite signs
// yield #NUM!.
func (v *Value) toMultiple(significance *Value, ceiling bool) *Value {
	if e := firstError(v, significance); e != nil {
		return e
	}
	d, errVal := v.toDecimal()
	if errVal != nil {
		return errVal
	}
	sig, errVal := significance.toDecimal()
	if errVal != nil {
		return errVal
	}
	if sig.IsZero() {
		return NewError(ErrorDIV)
	}
	if d.Negative != sig.Negative && !d.IsZero() {
		return NewError(ErrorNUM)
	}

	quot := new(apd.Decimal)
	if _, err := decimalCtx.Quo(quot, d, sig); err != nil {
		return NewError(ErrorNUM)
	}
	ctx := apd.BaseContext.WithPrecision(valuePrecision)
	if ceiling {
		ctx.Rounding = apd.RoundCeiling
	} else {
		ctx.Rounding = apd.RoundFloor
	}
	steps := new(apd.Decimal)
	if _, err := ctx.Quantize(steps, quot, 0); err != nil {
		return NewError(ErrorNUM)
	}
	res := new(apd.Decimal)
	if _, err := decimalCtx.Mul(res, steps, sig); err != nil {
		return NewError(ErrorNUM)
	}
	return numberResult(res, v, nil)
}

// Floor rounds down to the nearest multiple of significance.
func (v *Value) Floor(significance *Value) *Value {
	return v.toMultiple(significance, false)
}

// Ceiling rounds up to the nearest multiple of significance.
func (v *Value) Ceiling(significance *Value) *Value {
	return v.toMultiple(significance, true)
}
