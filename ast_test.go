package formulaengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testASTBuilder() *astBuilder {
	return newASTBuilder(newFunctionRegistry(), newValueFactory(64, 64), newASTCache(64))
}

func mustParse(t *testing.T, text string) *AstNode {
	t.Helper()
	root, err := testASTBuilder().Parse(text, 0, 0)
	require.NoError(t, err, "parse %q", text)
	require.Equal(t, NodeRoot, root.Type)
	require.Len(t, root.Children, 1)
	return root.Children[0]
}

func TestParseOperatorPrecedence(t *testing.T) {
	// 2+3*4 parses as 2+(3*4).
	n := mustParse(t, "=2+3*4")
	require.Equal(t, NodeOperator, n.Type)
	assert.Equal(t, "+", n.Token)
	assert.Equal(t, "*", n.Children[1].Token)

	// Comparison binds loosest.
	n = mustParse(t, "=1+2=3")
	assert.Equal(t, "=", n.Token)

	// Concatenation sits between arithmetic and comparison.
	n = mustParse(t, `="a"&1+2`)
	assert.Equal(t, "&", n.Token)
	assert.Equal(t, "+", n.Children[1].Token)
}

func TestParseUnaryAndPostfix(t *testing.T) {
	n := mustParse(t, "=-A1")
	require.Equal(t, NodePrefix, n.Type)
	assert.Equal(t, "-", n.Token)
	assert.Equal(t, NodeReference, n.Children[0].Type)

	n = mustParse(t, "=50%")
	require.Equal(t, NodeSuffix, n.Type)
	assert.Equal(t, "%", n.Token)

	// Unary minus binds tighter than the power operator.
	n = mustParse(t, "=-2^2")
	assert.Equal(t, "^", n.Token)
	assert.Equal(t, NodePrefix, n.Children[0].Type)
}

func TestParseLiterals(t *testing.T) {
	n := mustParse(t, "=1.5")
	require.Equal(t, NodeValue, n.Type)
	assert.Equal(t, KindNumber, n.Literal.Kind())

	n = mustParse(t, `="hi"`)
	require.Equal(t, NodeValue, n.Type)
	assert.Equal(t, "hi", n.Literal.Text())

	n = mustParse(t, "=TRUE")
	require.Equal(t, NodeValue, n.Type)
	assert.True(t, n.Literal.Boolean())
}

func TestParseFunctionCall(t *testing.T) {
	n := mustParse(t, "=SUM(A1:A3,B1)")
	require.Equal(t, NodeFunction, n.Type)
	assert.Equal(t, "SUM", n.Token)
	require.NotNil(t, n.Fn)
	require.Len(t, n.Children, 2)
	assert.Equal(t, NodeReference, n.Children[0].Type)
	assert.Equal(t, "A1:A3", n.Children[0].Token)
}

func TestParseNestedFunctions(t *testing.T) {
	n := mustParse(t, "=IF(A1>0,SUM(B1:B2),0)")
	require.Equal(t, NodeFunction, n.Type)
	assert.Equal(t, "IF", n.Token)
	require.Len(t, n.Children, 3)
	assert.Equal(t, NodeOperator, n.Children[0].Type)
	assert.Equal(t, NodeFunction, n.Children[1].Type)
	assert.Equal(t, "SUM", n.Children[1].Token)
}

func TestParseOmittedArguments(t *testing.T) {
	n := mustParse(t, "=IF(A1,,2)")
	require.Equal(t, NodeFunction, n.Type)
	require.Len(t, n.Children, 3)
	assert.Equal(t, KindNull, n.Children[1].Literal.Kind())
}

func TestParseUnknownFunction(t *testing.T) {
	n := mustParse(t, "=NOSUCHFN(1)")
	require.Equal(t, NodeFunction, n.Type)
	assert.Nil(t, n.Fn)
}

func TestParseUnion(t *testing.T) {
	n := mustParse(t, "=SUM((A1:A2,B1:B2))")
	require.Equal(t, NodeFunction, n.Type)
	require.Len(t, n.Children, 1)
	union := n.Children[0]
	require.Equal(t, NodeUnion, union.Type)
	assert.Len(t, union.Children, 2)
}

func TestParseSpillSuffix(t *testing.T) {
	n := mustParse(t, "=A1#")
	require.Equal(t, NodeSuffix, n.Type)
	assert.Equal(t, "#", n.Token)
	assert.Equal(t, NodeReference, n.Children[0].Type)
	assert.Equal(t, "A1", n.Children[0].Token)
}

func TestParseSpillSuffixInsideCall(t *testing.T) {
	// The tokenizer reads a bare # as the start of an error literal, so
	// the marker is rewritten into its functional form before tokenizing
	// and folded back into a suffix node.
	n := mustParse(t, "=SUM(B1#)")
	require.Equal(t, NodeFunction, n.Type)
	assert.Equal(t, "SUM", n.Token)
	require.Len(t, n.Children, 1)
	suffix := n.Children[0]
	require.Equal(t, NodeSuffix, suffix.Type)
	assert.Equal(t, "#", suffix.Token)
	assert.Equal(t, "B1", suffix.Children[0].Token)
}

func TestRewriteSpillMarkers(t *testing.T) {
	cases := map[string]string{
		"A1#":              "ANCHORARRAY(A1)",
		"SUM(B1#)":         "SUM(ANCHORARRAY(B1))",
		"A1#+$B$2#":        "ANCHORARRAY(A1)+ANCHORARRAY($B$2)",
		"'My Sheet'!A1#":   "ANCHORARRAY('My Sheet'!A1)",
		`"a#b"&A1`:         `"a#b"&A1`,
		"#REF!+1":          "#REF!+1",
		"IF(A1,#DIV/0!,2)": "IF(A1,#DIV/0!,2)",
	}
	for in, want := range cases {
		assert.Equal(t, want, rewriteSpillMarkers(in), in)
	}
}

func TestParseErrorLiteral(t *testing.T) {
	n := mustParse(t, "=#DIV/0!")
	require.Equal(t, NodeError, n.Type)
	assert.Equal(t, ErrorDIV, n.Literal.ErrorName())
}

func TestParseOffsetBakedIntoReferences(t *testing.T) {
	b := testASTBuilder()
	root, err := b.Parse("=A1+$B$2", 2, 3)
	require.NoError(t, err)
	op := root.Children[0]
	require.Equal(t, NodeOperator, op.Type)

	// The relative reference shifts, the absolute one stays.
	assert.Equal(t, "C4", op.Children[0].Token)
	assert.Equal(t, "$B$2", op.Children[1].Token)
}

func TestParseOffsetUnderflowBecomesRefError(t *testing.T) {
	b := testASTBuilder()
	root, err := b.Parse("=A1", 0, -1)
	require.NoError(t, err)
	n := root.Children[0]
	require.Equal(t, NodeError, n.Type)
	assert.Equal(t, ErrorREF, n.Literal.ErrorName())
}

func TestParseInvalidFormula(t *testing.T) {
	b := testASTBuilder()
	_, err := b.Parse("=1+", 0, 0)
	assert.Error(t, err)

	_, err = b.Parse("", 0, 0)
	assert.Error(t, err)
}

func TestParseLiteralInterning(t *testing.T) {
	b := testASTBuilder()
	first, err := b.Parse("=1+2", 0, 0)
	require.NoError(t, err)
	second, err := b.Parse("=2+1", 0, 0)
	require.NoError(t, err)

	// The literal 1 is shared between the two trees via the factory.
	one := first.Children[0].Children[0].Literal
	otherOne := second.Children[0].Children[1].Literal
	assert.Same(t, one, otherOne)
}
