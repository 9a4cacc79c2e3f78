package formulaengine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/efp"
)

// NodeType tags an AST node variant.
type NodeType uint8

// AST node variants.
const (
	// NodeRoot is the synthetic root wrapping a formula's expression.
	NodeRoot NodeType = iota
	// NodeFunction is a function call; Token holds the upper-cased name.
	NodeFunction
	// NodePrefix is a prefix operator: unary minus/plus or the implicit
	// intersection marker @.
	NodePrefix
	// NodeSuffix is a postfix operator: percent or the spill marker #.
	NodeSuffix
	// NodeOperator is a binary infix operator.
	NodeOperator
	// NodeReference is a cell or range reference in textual form.
	NodeReference
	// NodeValue is a literal number, string or boolean.
	NodeValue
	// NodeUnion joins several references into one multi-area reference.
	NodeUnion
	// NodeError is a literal error token or an unparsable fragment.
	NodeError
)

// AstNode is one node of a parsed formula tree. Trees are immutable after
// construction: the AST cache and every dependency-tree node holding one
// share it read-only.
type AstNode struct {
	Type     NodeType
	Token    string
	Literal  *Value
	Children []*AstNode
	// Fn is the resolved function descriptor for NodeFunction, nil when
	// the name is unknown. Resolution happens at build time so the
	// sync/async scheduling of every call site is statically known.
	Fn *FunctionDescriptor
}

// newErrorNode builds an error-tagged node carrying a spreadsheet error.
func newErrorNode(name ErrorName) *AstNode {
	return &AstNode{Type: NodeError, Token: string(name), Literal: NewError(name)}
}

// astBuilder turns efp token streams into AST trees, interning literals
// through the engine's value factory and resolving function names against
// the registry.
type astBuilder struct {
	registry *functionRegistry
	factory  *valueFactory
	cache    *astCache
}

func newASTBuilder(registry *functionRegistry, factory *valueFactory, cache *astCache) *astBuilder {
	return &astBuilder{registry: registry, factory: factory, cache: cache}
}

// Parse returns the AST for a formula text with the given relative
// reference offset, consulting the cache first. Parsing the same text and
// offset twice returns the identical tree.
func (b *astBuilder) Parse(formulaText string, refOffsetX, refOffsetY int) (*AstNode, error) {
	if node, ok := b.cache.get(formulaText, refOffsetX, refOffsetY); ok {
		return node, nil
	}
	node, err := b.build(formulaText, refOffsetX, refOffsetY)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, ErrNilAST
	}
	b.cache.set(formulaText, refOffsetX, refOffsetY, node)
	return node, nil
}

func (b *astBuilder) build(formulaText string, refOffsetX, refOffsetY int) (*AstNode, error) {
	text := strings.TrimPrefix(strings.TrimSpace(formulaText), "=")
	if text == "" {
		return nil, fmt.Errorf("empty formula")
	}
	text = rewriteSpillMarkers(text)
	ps := efp.ExcelParser()
	tokens := ps.Parse(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("formula %q produced no tokens", formulaText)
	}
	p := &tokenParser{
		builder: b,
		tokens:  tokens,
		offsetX: refOffsetX,
		offsetY: refOffsetY,
	}
	expr, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q in formula %q", p.tokens[p.pos].TValue, formulaText)
	}
	return &AstNode{Type: NodeRoot, Children: []*AstNode{expr}}, nil
}

// rewriteSpillMarkers turns the postfix spill marker into its functional
// form before tokenizing: A1# becomes ANCHORARRAY(A1), the form array
// anchors take in stored workbooks. The tokenizer treats a bare # as the
// start of an error literal and swallows the rest of the formula, so the
// marker has to be rewritten at the text level. Quoted strings and error
// literals are left untouched.
func rewriteSpillMarkers(text string) string {
	if !strings.ContainsRune(text, '#') {
		return text
	}
	runes := []rune(text)
	var out []rune
	inString := false
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if ch == '"' {
			inString = !inString
		}
		if inString || ch != '#' || i == 0 || !isRefTailRune(runes[i-1]) {
			out = append(out, ch)
			continue
		}
		// Scan back over the reference the marker applies to, including a
		// quoted sheet-name prefix.
		start := len(out)
		for start > 0 && isRefRune(out[start-1]) {
			start--
		}
		if start > 0 && out[start-1] == '\'' {
			start--
			for start > 0 && out[start-1] != '\'' {
				start--
			}
			if start > 0 {
				start--
			}
		}
		ref := string(out[start:])
		out = append(out[:start], []rune("ANCHORARRAY("+ref+")")...)
	}
	return string(out)
}

// isRefTailRune reports whether a rune can end a cell reference.
func isRefTailRune(ch rune) bool {
	return ch == '$' || ch == '_' || ch == '.' ||
		(ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isRefRune(ch rune) bool {
	return isRefTailRune(ch) || ch == '!' || ch == ':'
}

// infixPrecedence returns the binding power of an infix operator.
func infixPrecedence(op string) (int, bool) {
	switch op {
	case "^":
		return 50, true
	case "*", "/":
		return 40, true
	case "+", "-":
		return 30, true
	case "&":
		return 20, true
	case "=", "<>", "<", "<=", ">", ">=":
		return 10, true
	}
	return 0, false
}

// tokenParser is a precedence-climbing parser over an efp token stream.
type tokenParser struct {
	builder *astBuilder
	tokens  []efp.Token
	pos     int
	offsetX int
	offsetY int
}

func (p *tokenParser) peek() (efp.Token, bool) {
	// efp emits whitespace tokens between operands; they carry no
	// semantics for this engine and are skipped.
	for p.pos < len(p.tokens) && p.tokens[p.pos].TType == efp.TokenTypeWhitespace {
		p.pos++
	}
	if p.pos >= len(p.tokens) {
		return efp.Token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *tokenParser) next() (efp.Token, bool) {
	tok, ok := p.peek()
	if ok {
		p.pos++
	}
	return tok, ok
}

func (p *tokenParser) parseExpr(minPrec int) (*AstNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.TType != efp.TokenTypeOperatorInfix {
			return left, nil
		}
		prec, known := infixPrecedence(tok.TValue)
		if !known || prec < minPrec {
			return left, nil
		}
		p.pos++
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &AstNode{Type: NodeOperator, Token: tok.TValue, Children: []*AstNode{left, right}}
	}
}

func (p *tokenParser) parsePrimary() (*AstNode, error) {
	tok, ok := p.next()
	if !ok {
		return nil, fmt.Errorf("unexpected end of formula")
	}

	var node *AstNode
	switch tok.TType {
	case efp.TokenTypeOperatorPrefix:
		child, err := p.parseExpr(60)
		if err != nil {
			return nil, err
		}
		node = &AstNode{Type: NodePrefix, Token: tok.TValue, Children: []*AstNode{child}}

	case efp.TokenTypeOperand:
		operand, err := p.buildOperand(tok)
		if err != nil {
			return nil, err
		}
		node = operand

	case efp.TokenTypeFunction:
		if tok.TSubType != efp.TokenSubTypeStart {
			return nil, fmt.Errorf("unexpected function stop")
		}
		call, err := p.parseFunctionCall(tok.TValue)
		if err != nil {
			return nil, err
		}
		node = call

	case efp.TokenTypeSubexpression:
		if tok.TSubType != efp.TokenSubTypeStart {
			return nil, fmt.Errorf("unexpected subexpression stop")
		}
		sub, err := p.parseSubexpression()
		if err != nil {
			return nil, err
		}
		node = sub

	default:
		return nil, fmt.Errorf("unexpected token %q", tok.TValue)
	}

	// Postfix operators bind tighter than any infix operator.
	for {
		tok, ok := p.peek()
		if !ok || tok.TType != efp.TokenTypeOperatorPostfix {
			return node, nil
		}
		p.pos++
		node = &AstNode{Type: NodeSuffix, Token: tok.TValue, Children: []*AstNode{node}}
	}
}

func (p *tokenParser) buildOperand(tok efp.Token) (*AstNode, error) {
	switch tok.TSubType {
	case efp.TokenSubTypeNumber:
		f, err := strconv.ParseFloat(tok.TValue, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number literal %q", tok.TValue)
		}
		return &AstNode{Type: NodeValue, Token: tok.TValue, Literal: p.builder.factory.number(f)}, nil
	case efp.TokenSubTypeText:
		return &AstNode{Type: NodeValue, Token: tok.TValue, Literal: p.builder.factory.text(tok.TValue)}, nil
	case efp.TokenSubTypeLogical:
		return &AstNode{
			Type:    NodeValue,
			Token:   tok.TValue,
			Literal: NewBoolean(strings.EqualFold(tok.TValue, "TRUE")),
		}, nil
	case efp.TokenSubTypeError:
		return newErrorNode(ErrorName(tok.TValue)), nil
	case efp.TokenSubTypeRange:
		ref := tok.TValue
		// The intersection marker parses as part of the range text; lift
		// it into its own node so reference resolution sees a plain ref.
		intersect := strings.HasPrefix(ref, "@")
		ref = strings.TrimPrefix(ref, "@")
		if p.offsetX != 0 || p.offsetY != 0 {
			if shifted := shiftReferenceText(ref, p.offsetX, p.offsetY); shifted != "" {
				if shifted == string(ErrorREF) {
					return newErrorNode(ErrorREF), nil
				}
				ref = shifted
			}
		}
		node := &AstNode{Type: NodeReference, Token: ref}
		if intersect {
			node = &AstNode{Type: NodePrefix, Token: "@", Children: []*AstNode{node}}
		}
		return node, nil
	}
	return nil, fmt.Errorf("unexpected operand %q", tok.TValue)
}

func (p *tokenParser) parseFunctionCall(name string) (*AstNode, error) {
	upper := strings.ToUpper(name)
	node := &AstNode{Type: NodeFunction, Token: upper}
	if p.builder.registry != nil {
		node.Fn = p.builder.registry.lookup(upper)
	}

	expectArg := true
	for {
		tok, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated call of %s", upper)
		}
		if tok.TType == efp.TokenTypeFunction && tok.TSubType == efp.TokenSubTypeStop {
			p.pos++
			if expectArg && len(node.Children) > 0 {
				node.Children = append(node.Children, &AstNode{Type: NodeValue, Literal: NullValue()})
			}
			if upper == "ANCHORARRAY" && len(node.Children) == 1 {
				// The spill marker's rewritten form collapses back into
				// the postfix node the evaluator resolves spills through.
				return &AstNode{Type: NodeSuffix, Token: "#", Children: node.Children}, nil
			}
			return node, nil
		}
		if tok.TType == efp.TokenTypeArgument {
			p.pos++
			if expectArg {
				// Consecutive separators denote an omitted argument.
				node.Children = append(node.Children, &AstNode{Type: NodeValue, Literal: NullValue()})
			}
			expectArg = true
			continue
		}
		arg, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, arg)
		expectArg = false
	}
}

// parseSubexpression parses a parenthesized expression. Commas at the top
// level of the parentheses build a union of references.
func (p *tokenParser) parseSubexpression() (*AstNode, error) {
	var members []*AstNode
	for {
		tok, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated subexpression")
		}
		if tok.TType == efp.TokenTypeSubexpression && tok.TSubType == efp.TokenSubTypeStop {
			p.pos++
			break
		}
		if tok.TType == efp.TokenTypeArgument ||
			(tok.TType == efp.TokenTypeOperatorInfix && tok.TSubType == efp.TokenSubTypeUnion) {
			p.pos++
			continue
		}
		member, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	switch len(members) {
	case 0:
		return nil, fmt.Errorf("empty subexpression")
	case 1:
		return members[0], nil
	}
	return &AstNode{Type: NodeUnion, Children: members}, nil
}
