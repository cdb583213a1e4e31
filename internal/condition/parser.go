package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/savegress/pulsewatch/internal/metrics"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokBool
	tokAnd
	tokOr
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
	val  bool
	pos  int
}

// Parse compiles condition text into an evaluable form. The grammar is
// deliberately small: `field <op> literal` terms joined by AND/OR, with
// optional parentheses. AND binds tighter than OR. Malformed text fails
// here, at rule load, never during a cycle.
func Parse(text string) (*Condition, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", tok.text, tok.pos)
	}
	return &Condition{Text: text, root: root}, nil
}

func lex(text string) ([]token, error) {
	var toks []token
	runes := []rune(text)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '<' || c == '>':
			op := string(c)
			start := i
			if i+1 < len(runes) && runes[i+1] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: start})
			i++
		case c == '=' || c == '!':
			if i+1 >= len(runes) || runes[i+1] != '=' {
				return nil, fmt.Errorf("unexpected %q at position %d", string(c), i)
			}
			toks = append(toks, token{kind: tokOp, text: string(c) + "=", pos: i})
			i += 2
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string at position %d", i)
			}
			toks = append(toks, token{kind: tokString, text: string(runes[i+1 : j]), pos: i})
			i = j + 1
		case c == '-' || unicode.IsDigit(c):
			j := i
			if c == '-' {
				j++
			}
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			lit := string(runes[i:j])
			num, err := strconv.ParseFloat(lit, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", lit, i)
			}
			toks = append(toks, token{kind: tokNumber, text: lit, num: num, pos: i})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}
			word := string(runes[i:j])
			switch {
			case strings.EqualFold(word, "and"):
				toks = append(toks, token{kind: tokAnd, text: word, pos: i})
			case strings.EqualFold(word, "or"):
				toks = append(toks, token{kind: tokOr, text: word, pos: i})
			case strings.EqualFold(word, "true"):
				toks = append(toks, token{kind: tokBool, text: word, val: true, pos: i})
			case strings.EqualFold(word, "false"):
				toks = append(toks, token{kind: tokBool, text: word, pos: i})
			default:
				toks = append(toks, token{kind: tokIdent, text: word, pos: i})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(c), i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(runes)})
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: opOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: opAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (node, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if tok := p.next(); tok.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at position %d", tok.pos)
		}
		return inner, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	field := p.next()
	if field.kind == tokEOF {
		return nil, fmt.Errorf("unexpected end of expression at position %d", field.pos)
	}
	if field.kind != tokIdent {
		return nil, fmt.Errorf("expected field name at position %d, got %q", field.pos, field.text)
	}
	op := p.next()
	if op.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator after %q at position %d", field.text, op.pos)
	}
	lit := p.next()
	var value metrics.Value
	switch lit.kind {
	case tokNumber:
		value = metrics.NumberValue(lit.num)
	case tokBool:
		value = metrics.BoolValue(lit.val)
	case tokString:
		value = metrics.StringValue(lit.text)
	default:
		return nil, fmt.Errorf("expected literal after %q at position %d", op.text, lit.pos)
	}
	operator := Operator(op.text)
	if operator.ordering() && value.Kind != metrics.KindNumber {
		return nil, fmt.Errorf("operator %q requires a numeric literal at position %d", op.text, lit.pos)
	}
	return &compareNode{field: field.text, op: operator, lit: value}, nil
}
