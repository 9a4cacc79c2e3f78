package formulaengine

import "errors"

// ErrorName identifies a spreadsheet-level error value. Errors of this kind
// are data, not control flow: they travel through expressions as ordinary
// operands and the first error encountered wins.
type ErrorName string

// Spreadsheet error values produced by the engine.
const (
	// ErrorDIV is returned when dividing by zero or by a value that
	// coerces to zero.
	ErrorDIV ErrorName = "#DIV/0!"
	// ErrorNUM is returned when an arithmetic result is not a finite
	// number.
	ErrorNUM ErrorName = "#NUM!"
	// ErrorVALUE is returned when an operand cannot be coerced to the
	// type an operation requires.
	ErrorVALUE ErrorName = "#VALUE!"
	// ErrorSPILL is returned at the origin cell of an array formula whose
	// spill rectangle collides with existing content or exceeds the sheet
	// bounds.
	ErrorSPILL ErrorName = "#SPILL!"
	// ErrorNAME is returned for unknown function names and formulas that
	// fail to parse.
	ErrorNAME ErrorName = "#NAME?"
	// ErrorREF is returned when a reference cannot be resolved against
	// the current sheet set.
	ErrorREF ErrorName = "#REF!"
	// ErrorCALC is returned for cells caught in a circular reference when
	// the engine runs with CyclePolicyError.
	ErrorCALC ErrorName = "#CALC!"
)

// String returns the display form of the error, e.g. "#DIV/0!".
func (e ErrorName) String() string { return string(e) }

// Host-contract violations. These are Go errors, not spreadsheet values:
// they indicate a bug in the caller or in the parser contract, and abort
// only the affected operation.
var (
	// ErrNilAST reports a formula that lexed successfully but produced no
	// AST root. This is a parser contract violation, not a user-data
	// problem.
	ErrNilAST = errors.New("formula lexed but produced no AST root")

	// ErrUnknownUnit reports a reference to a unit the input snapshot
	// does not contain.
	ErrUnknownUnit = errors.New("unknown unit")

	// ErrUnknownSheet reports a reference to a sheet the input snapshot
	// does not contain.
	ErrUnknownSheet = errors.New("unknown sheet")

	// ErrGenerateInProgress reports a Generate call made while a previous
	// pass on the same engine has not finished. Callers must serialize
	// recalculation requests.
	ErrGenerateInProgress = errors.New("recalculation pass already in progress")
)
