/*
expression.go - Restricted arithmetic language for expression formulas

PURPOSE:
  Parses a formula expression once into a tree and evaluates it per unit
  with decimal arithmetic. There is no general-purpose eval: the language
  only knows numbers, variable names, + - * /, unary minus and parentheses.

GRAMMAR:
  expr    := term   (('+' | '-') term)*
  term    := unary  (('*' | '/') unary)*
  unary   := '-' unary | '+' unary | primary
  primary := NUMBER | IDENT | '(' expr ')'

  NUMBER  := digits ['.' digits]
  IDENT   := [A-Za-z_][A-Za-z0-9_]*

DETERMINISM:
  Evaluation reads only the variable map it is given. Same tree + same
  variables = same result, always.

SEE ALSO:
  - formula.go: builds the variable map from the formula and unit context
*/
package billing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Expression is a parsed expression formula. Safe for concurrent use.
type Expression struct {
	source string
	root   exprNode
	vars   []string
}

// ParseExpression parses src. Syntax errors wrap ErrInvalidFormula.
func ParseExpression(src string) (*Expression, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at position %d", ErrInvalidFormula, tok.text, tok.pos)
	}

	seen := make(map[string]bool)
	collectVars(root, seen)
	vars := make([]string, 0, len(seen))
	for name := range seen {
		vars = append(vars, name)
	}
	sort.Strings(vars)

	return &Expression{source: src, root: root, vars: vars}, nil
}

func (e *Expression) String() string { return e.source }

// Variables returns the distinct variable names referenced, sorted.
func (e *Expression) Variables() []string {
	out := make([]string, len(e.vars))
	copy(out, e.vars)
	return out
}

// Eval evaluates the expression. Division by zero wraps ErrDivisionByZero,
// a name missing from vars wraps ErrUnresolvedVariable.
func (e *Expression) Eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	return e.root.eval(vars)
}

// =============================================================================
// TREE
// =============================================================================

type exprNode interface {
	eval(vars map[string]decimal.Decimal) (decimal.Decimal, error)
}

type numberNode struct{ value decimal.Decimal }

func (n numberNode) eval(map[string]decimal.Decimal) (decimal.Decimal, error) { return n.value, nil }

type varNode struct{ name string }

func (n varNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	v, ok := vars[n.name]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnresolvedVariable, n.name)
	}
	return v, nil
}

type negNode struct{ operand exprNode }

func (n negNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Neg(), nil
}

type binaryNode struct {
	op          byte
	left, right exprNode
}

func (n binaryNode) eval(vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return decimal.Zero, err
	}
	switch n.op {
	case '+':
		return l.Add(r), nil
	case '-':
		return l.Sub(r), nil
	case '*':
		return l.Mul(r), nil
	case '/':
		if r.IsZero() {
			return decimal.Zero, ErrDivisionByZero
		}
		return l.Div(r), nil
	}
	return decimal.Zero, fmt.Errorf("%w: unknown operator %q", ErrInvalidFormula, n.op)
}

func collectVars(n exprNode, seen map[string]bool) {
	switch v := n.(type) {
	case varNode:
		seen[v.name] = true
	case negNode:
		collectVars(v.operand, seen)
	case binaryNode:
		collectVars(v.left, seen)
		collectVars(v.right, seen)
	}
}

// =============================================================================
// TOKENIZER
// =============================================================================

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c) || c == '.':
			start := i
			dots := 0
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				if src[i] == '.' {
					dots++
				}
				i++
			}
			text := src[start:i]
			if dots > 1 || text == "." || strings.HasSuffix(text, ".") {
				return nil, fmt.Errorf("%w: malformed number %q at position %d", ErrInvalidFormula, text, start)
			}
			tokens = append(tokens, token{kind: tokNumber, text: text, pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && (isIdentStart(src[i]) || isDigit(src[i])) {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: src[start:i], pos: start})
		case c == '+' || c == '-' || c == '*' || c == '/':
			tokens = append(tokens, token{kind: tokOp, text: string(c), pos: i})
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at position %d", ErrInvalidFormula, c, i)
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(src)})
	return tokens, nil
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

// =============================================================================
// PARSER - Recursive descent, one function per precedence level
// =============================================================================

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseExpr() (exprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "+" && tok.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: tok.text[0], left: left, right: right}
	}
}

func (p *parser) parseTerm() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp || (tok.text != "*" && tok.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: tok.text[0], left: left, right: right}
	}
}

func (p *parser) parseUnary() (exprNode, error) {
	tok := p.peek()
	if tok.kind == tokOp && (tok.text == "-" || tok.text == "+") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if tok.text == "-" {
			return negNode{operand: operand}, nil
		}
		return operand, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (exprNode, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		v, err := decimal.NewFromString(tok.text)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed number %q at position %d", ErrInvalidFormula, tok.text, tok.pos)
		}
		return numberNode{value: v}, nil
	case tokIdent:
		return varNode{name: tok.text}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: missing closing parenthesis for position %d", ErrInvalidFormula, tok.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrInvalidFormula)
	default:
		return nil, fmt.Errorf("%w: unexpected %q at position %d", ErrInvalidFormula, tok.text, tok.pos)
	}
}
