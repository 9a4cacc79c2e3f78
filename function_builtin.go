package formulaengine

import (
	"math"
	"strconv"
	"strings"
)

// registerBuiltins installs the built-in function set into a registry.
func registerBuiltins(r *functionRegistry) {
	sync := func(name string, minArgs, maxArgs int, h FunctionHandler) {
		r.register(&FunctionDescriptor{Name: name, Kind: FunctionSync, MinArgs: minArgs, MaxArgs: maxArgs, Handler: h})
	}
	address := func(name string, minArgs, maxArgs int, h FunctionHandler) {
		r.register(&FunctionDescriptor{
			Name: name, Kind: FunctionSync, MinArgs: minArgs, MaxArgs: maxArgs,
			AddressProducing: true, Handler: h,
		})
	}

	sync("SUM", 1, -1, fnSUM)
	sync("AVERAGE", 1, -1, fnAVERAGE)
	sync("COUNT", 1, -1, fnCOUNT)
	sync("MIN", 1, -1, fnMIN)
	sync("MAX", 1, -1, fnMAX)
	sync("SUMIF", 2, 3, fnSUMIF)
	sync("COUNTIF", 2, 2, fnCOUNTIF)
	sync("AVERAGEIF", 2, 3, fnAVERAGEIF)

	sync("IF", 2, 3, fnIF)
	sync("AND", 1, -1, fnAND)
	sync("OR", 1, -1, fnOR)
	sync("NOT", 1, 1, fnNOT)

	sync("CONCAT", 1, -1, fnCONCAT)
	sync("CONCATENATE", 1, -1, fnCONCAT)
	sync("LEN", 1, 1, fnLEN)

	sync("ABS", 1, 1, unary((*Value).Abs))
	sync("SQRT", 1, 1, unary((*Value).Sqrt))
	sync("SIN", 1, 1, unary((*Value).Sin))
	sync("COS", 1, 1, unary((*Value).Cos))
	sync("TAN", 1, 1, unary((*Value).Tan))
	sync("LN", 1, 1, unary((*Value).Ln))
	sync("LOG", 1, 2, fnLOG)
	sync("MOD", 2, 2, binary((*Value).Mod))
	sync("POWER", 2, 2, binary((*Value).Pow))
	sync("ROUND", 2, 2, binary((*Value).Round))
	sync("ROUNDUP", 2, 2, binary((*Value).RoundUp))
	sync("ROUNDDOWN", 2, 2, binary((*Value).RoundDown))
	sync("FLOOR", 2, 2, binary((*Value).Floor))
	sync("CEILING", 2, 2, binary((*Value).Ceiling))

	sync("PI", 0, 0, func(_ *CallScope, _ []*Value) *Value { return NewNumber(math.Pi) })
	sync("TRUE", 0, 0, func(_ *CallScope, _ []*Value) *Value { return NewBoolean(true) })
	sync("FALSE", 0, 0, func(_ *CallScope, _ []*Value) *Value { return NewBoolean(false) })

	sync("ISERROR", 1, 1, fnISERROR)
	sync("ISNUMBER", 1, 1, fnISNUMBER)

	sync("SEQUENCE", 1, 4, fnSEQUENCE)
	sync("TRANSPOSE", 1, 1, fnTRANSPOSE)

	address("OFFSET", 3, 5, fnOFFSET)
	address("INDIRECT", 1, 1, fnINDIRECT)
	address("INDEX", 2, 3, fnINDEX)
}

func unary(op func(*Value) *Value) FunctionHandler {
	return func(_ *CallScope, args []*Value) *Value { return op(args[0]) }
}

func binary(op func(*Value, *Value) *Value) FunctionHandler {
	return func(_ *CallScope, args []*Value) *Value { return op(args[0], args[1]) }
}

// flattenNumeric collects numeric operands from scalar and array arguments.
// Direct scalar arguments coerce (strings and booleans become numbers or
// #VALUE!); inside arrays only genuine numbers participate, matching how
// ranges feed aggregations. The second return is non-nil when an error
// value was encountered.
func flattenNumeric(args []*Value) ([]*Value, *Value) {
	var out []*Value
	for _, arg := range args {
		switch arg.Kind() {
		case KindError:
			return nil, arg
		case KindNull:
		case KindArray:
			for _, row := range arg.Rows() {
				for _, cell := range row {
					if cell == nil {
						continue
					}
					if cell.Kind() == KindError {
						return nil, cell
					}
					if cell.Kind() == KindNumber {
						out = append(out, cell)
					}
				}
			}
		default:
			d, errVal := arg.toDecimal()
			if errVal != nil {
				return nil, errVal
			}
			out = append(out, NewDecimal(d))
		}
	}
	return out, nil
}

func fnSUM(_ *CallScope, args []*Value) *Value {
	nums, errVal := flattenNumeric(args)
	if errVal != nil {
		return errVal
	}
	total := NewNumber(0)
	for _, n := range nums {
		total = total.Plus(n)
		if total.IsError() {
			return total
		}
	}
	return total
}

func fnAVERAGE(_ *CallScope, args []*Value) *Value {
	nums, errVal := flattenNumeric(args)
	if errVal != nil {
		return errVal
	}
	if len(nums) == 0 {
		return NewError(ErrorDIV)
	}
	total := NewNumber(0)
	for _, n := range nums {
		total = total.Plus(n)
		if total.IsError() {
			return total
		}
	}
	return total.Divide(NewNumber(float64(len(nums))))
}

func fnCOUNT(_ *CallScope, args []*Value) *Value {
	count := 0
	for _, arg := range args {
		switch arg.Kind() {
		case KindArray:
			for _, row := range arg.Rows() {
				for _, cell := range row {
					if cell != nil && cell.Kind() == KindNumber {
						count++
					}
				}
			}
		case KindNumber:
			count++
		case KindString:
			if _, errVal := arg.toDecimal(); errVal == nil {
				count++
			}
		}
	}
	return NewNumber(float64(count))
}

func extreme(args []*Value, wantMax bool) *Value {
	nums, errVal := flattenNumeric(args)
	if errVal != nil {
		return errVal
	}
	if len(nums) == 0 {
		return NewNumber(0)
	}
	best := nums[0]
	for _, n := range nums[1:] {
		c := n.Compare(best, GreaterThan)
		if c.IsError() {
			return c
		}
		if c.Boolean() == wantMax {
			best = n
		}
	}
	return best
}

func fnMIN(_ *CallScope, args []*Value) *Value { return extreme(args, false) }
func fnMAX(_ *CallScope, args []*Value) *Value { return extreme(args, true) }

// parseCriteriaValue splits a criteria like ">=10", "<>x" or "apple" into
// a relational operator and the value compared against. A bare value means
// equality; non-string criteria compare for equality as they are.
func parseCriteriaValue(criteria *Value) (CompareOp, *Value) {
	if criteria.Kind() != KindString {
		return Equals, criteria
	}
	text := criteria.Text()
	op := Equals
	rest := text
	for _, c := range []struct {
		tok string
		op  CompareOp
	}{
		{">=", GreaterThanOrEqual}, {"<=", LessThanOrEqual}, {"<>", NotEquals},
		{">", GreaterThan}, {"<", LessThan}, {"=", Equals},
	} {
		if strings.HasPrefix(text, c.tok) {
			op = c.op
			rest = text[len(c.tok):]
			break
		}
	}
	if f, err := strconv.ParseFloat(rest, 64); err == nil {
		return op, NewNumber(f)
	}
	return op, NewString(rest)
}

// matchesCriteria applies a parsed criteria to one cell. Empty and error
// cells never match, mirroring the accelerator's tables which hold only
// populated cells.
func matchesCriteria(cell *Value, op CompareOp, operand *Value) bool {
	if cell == nil || cell.Kind() == KindNull || cell.Kind() == KindError {
		return false
	}
	res := cell.Compare(operand, op)
	return res.Kind() == KindBoolean && res.Boolean()
}

// valueGrid views a scalar or array argument as row-major cells.
func valueGrid(v *Value) [][]*Value {
	if v.Kind() == KindArray {
		return v.Rows()
	}
	return [][]*Value{{v}}
}

func gridCell(rows [][]*Value, r, c int) *Value {
	if r >= len(rows) || c >= len(rows[r]) {
		return nil
	}
	return rows[r][c]
}

// sumMatching walks the criteria grid, folding the positionally paired
// value cells of every match. It backs SUMIF and AVERAGEIF.
func sumMatching(crit, vals [][]*Value, op CompareOp, operand *Value) (total *Value, matched int) {
	total = NewNumber(0)
	for r, line := range crit {
		for c, cell := range line {
			if !matchesCriteria(cell, op, operand) {
				continue
			}
			v := gridCell(vals, r, c)
			if v == nil {
				continue
			}
			if v.IsError() {
				return v, matched
			}
			if v.Kind() != KindNumber {
				continue
			}
			matched++
			total = total.Plus(v)
			if total.IsError() {
				return total, matched
			}
		}
	}
	return total, matched
}

func fnSUMIF(_ *CallScope, args []*Value) *Value {
	op, operand := parseCriteriaValue(args[1])
	crit := valueGrid(args[0])
	vals := crit
	if len(args) > 2 && args[2].Kind() != KindNull {
		vals = valueGrid(args[2])
	}
	total, _ := sumMatching(crit, vals, op, operand)
	return total
}

func fnCOUNTIF(_ *CallScope, args []*Value) *Value {
	op, operand := parseCriteriaValue(args[1])
	count := 0
	for _, line := range valueGrid(args[0]) {
		for _, cell := range line {
			if matchesCriteria(cell, op, operand) {
				count++
			}
		}
	}
	return NewNumber(float64(count))
}

func fnAVERAGEIF(_ *CallScope, args []*Value) *Value {
	op, operand := parseCriteriaValue(args[1])
	crit := valueGrid(args[0])
	vals := crit
	if len(args) > 2 && args[2].Kind() != KindNull {
		vals = valueGrid(args[2])
	}
	total, matched := sumMatching(crit, vals, op, operand)
	if total.IsError() {
		return total
	}
	if matched == 0 {
		return NewError(ErrorDIV)
	}
	return total.Divide(NewNumber(float64(matched)))
}

// truthy coerces a scalar to a boolean condition.
func truthy(v *Value) (bool, *Value) {
	switch v.Kind() {
	case KindError:
		return false, v
	case KindBoolean:
		return v.Boolean(), nil
	case KindNumber:
		d, _ := v.Decimal()
		return !d.IsZero(), nil
	case KindNull:
		return false, nil
	}
	return false, NewError(ErrorVALUE)
}

func fnIF(_ *CallScope, args []*Value) *Value {
	cond, errVal := truthy(args[0])
	if errVal != nil {
		return errVal
	}
	if cond {
		return args[1]
	}
	if len(args) > 2 {
		return args[2]
	}
	return NewBoolean(false)
}

func logicalFold(args []*Value, and bool) *Value {
	seen := false
	result := and
	for _, arg := range args {
		cells := []*Value{arg}
		if arg.Kind() == KindArray {
			cells = cells[:0]
			for _, row := range arg.Rows() {
				cells = append(cells, row...)
			}
		}
		for _, cell := range cells {
			if cell == nil || cell.Kind() == KindString || cell.Kind() == KindNull {
				continue
			}
			b, errVal := truthy(cell)
			if errVal != nil {
				return errVal
			}
			seen = true
			if and {
				result = result && b
			} else {
				result = result || b
			}
		}
	}
	if !seen {
		return NewError(ErrorVALUE)
	}
	return NewBoolean(result)
}

func fnAND(_ *CallScope, args []*Value) *Value { return logicalFold(args, true) }
func fnOR(_ *CallScope, args []*Value) *Value  { return logicalFold(args, false) }

func fnNOT(_ *CallScope, args []*Value) *Value {
	b, errVal := truthy(args[0])
	if errVal != nil {
		return errVal
	}
	return NewBoolean(!b)
}

func fnCONCAT(_ *CallScope, args []*Value) *Value {
	out := ""
	for _, arg := range args {
		switch arg.Kind() {
		case KindError:
			return arg
		case KindArray:
			for _, row := range arg.Rows() {
				for _, cell := range row {
					if cell == nil {
						continue
					}
					if cell.IsError() {
						return cell
					}
					out += cell.String()
				}
			}
		default:
			out += arg.String()
		}
	}
	return NewString(out)
}

func fnLEN(_ *CallScope, args []*Value) *Value {
	if args[0].IsError() {
		return args[0]
	}
	return NewNumber(float64(len([]rune(args[0].String()))))
}

func fnLOG(_ *CallScope, args []*Value) *Value {
	if len(args) == 1 {
		return args[0].Log10()
	}
	// LOG(n, base) = LN(n)/LN(base)
	num := args[0].Ln()
	base := args[1].Ln()
	if num.IsError() {
		return num
	}
	if base.IsError() {
		return base
	}
	return num.Divide(base)
}

// ISERROR deliberately swallows error operands instead of propagating
// them; it exists to observe errors.
func fnISERROR(_ *CallScope, args []*Value) *Value {
	return NewBoolean(args[0].IsError())
}

func fnISNUMBER(_ *CallScope, args []*Value) *Value {
	return NewBoolean(args[0].Kind() == KindNumber)
}

// intArg coerces an argument to an int, defaulting when the argument is
// missing or null.
func intArg(args []*Value, i int, def int) (int, *Value) {
	if i >= len(args) || args[i].Kind() == KindNull {
		return def, nil
	}
	d, errVal := args[i].toDecimal()
	if errVal != nil {
		return 0, errVal
	}
	n, err := d.Int64()
	if err != nil {
		return 0, NewError(ErrorVALUE)
	}
	return int(n), nil
}

func fnSEQUENCE(_ *CallScope, args []*Value) *Value {
	rows, errVal := intArg(args, 0, 1)
	if errVal != nil {
		return errVal
	}
	cols, errVal := intArg(args, 1, 1)
	if errVal != nil {
		return errVal
	}
	start, errVal := intArg(args, 2, 1)
	if errVal != nil {
		return errVal
	}
	step, errVal := intArg(args, 3, 1)
	if errVal != nil {
		return errVal
	}
	if rows < 1 || cols < 1 {
		return NewError(ErrorVALUE)
	}
	out := make([][]*Value, rows)
	n := start
	for r := 0; r < rows; r++ {
		out[r] = make([]*Value, cols)
		for c := 0; c < cols; c++ {
			out[r][c] = NewNumber(float64(n))
			n += step
		}
	}
	return NewArray(out)
}

func fnTRANSPOSE(scope *CallScope, args []*Value) *Value {
	arg := scope.Materialize(args[0])
	if arg.IsError() {
		return arg
	}
	if arg.Kind() != KindArray {
		return arg
	}
	rows := arg.Rows()
	if len(rows) == 0 {
		return arg
	}
	out := make([][]*Value, len(rows[0]))
	for c := range rows[0] {
		out[c] = make([]*Value, len(rows))
		for r := range rows {
			out[c][r] = rows[r][c]
		}
	}
	return NewArray(out)
}

func fnOFFSET(_ *CallScope, args []*Value) *Value {
	if args[0].Kind() != KindReference {
		return NewError(ErrorVALUE)
	}
	base := *args[0].Ref()
	dy, errVal := intArg(args, 1, 0)
	if errVal != nil {
		return errVal
	}
	dx, errVal := intArg(args, 2, 0)
	if errVal != nil {
		return errVal
	}
	height, errVal := intArg(args, 3, base.RowCount())
	if errVal != nil {
		return errVal
	}
	width, errVal := intArg(args, 4, base.ColCount())
	if errVal != nil {
		return errVal
	}
	if height < 1 || width < 1 {
		return NewError(ErrorREF)
	}
	r := GridRange{
		UnitID:    base.UnitID,
		SubUnitID: base.SubUnitID,
		StartRow:  base.StartRow + dy,
		StartCol:  base.StartCol + dx,
	}
	r.EndRow = r.StartRow + height - 1
	r.EndCol = r.StartCol + width - 1
	if r.StartRow < 1 || r.StartCol < 1 || r.EndRow > MaxRows || r.EndCol > MaxColumns {
		return NewError(ErrorREF)
	}
	return NewReference(r)
}

func fnINDIRECT(scope *CallScope, args []*Value) *Value {
	if args[0].IsError() {
		return args[0]
	}
	text := scope.Materialize(args[0])
	if text.Kind() != KindString {
		return NewError(ErrorREF)
	}
	r, ok := resolveReference(text.Text(), scope.Cursor())
	if !ok {
		return NewError(ErrorREF)
	}
	return NewReference(r)
}

func fnINDEX(scope *CallScope, args []*Value) *Value {
	row, errVal := intArg(args, 1, 0)
	if errVal != nil {
		return errVal
	}
	col, errVal := intArg(args, 2, 0)
	if errVal != nil {
		return errVal
	}
	switch args[0].Kind() {
	case KindError:
		return args[0]
	case KindReference:
		base := *args[0].Ref()
		if row > base.RowCount() || col > base.ColCount() {
			return NewError(ErrorREF)
		}
		r := base
		if row > 0 {
			r.StartRow = base.StartRow + row - 1
			r.EndRow = r.StartRow
		}
		if col > 0 {
			r.StartCol = base.StartCol + col - 1
			r.EndCol = r.StartCol
		}
		return NewReference(r)
	case KindArray:
		rows := args[0].Rows()
		if row < 1 || row > len(rows) {
			return NewError(ErrorREF)
		}
		line := rows[row-1]
		if col == 0 {
			if len(line) == 1 {
				return line[0]
			}
			return NewArray([][]*Value{line})
		}
		if col < 1 || col > len(line) {
			return NewError(ErrorREF)
		}
		return line[col-1]
	}
	return NewError(ErrorVALUE)
}
