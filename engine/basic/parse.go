package basic

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/casepot/capsule-sub004/engine"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNewline
	tokNumber
	tokString
	tokIdent
	tokOp // operators and punctuation
)

type token struct {
	kind tokenKind
	text string
	line int
	off  int // byte offset into the source
}

func syntaxErr(line int, format string, args ...any) *engine.Error {
	msg := fmt.Sprintf(format, args...)
	return &engine.Error{
		Type:      "SyntaxError",
		Message:   msg,
		Traceback: fmt.Sprintf("line %d: %s", line, msg),
	}
}

func lex(src string) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\n':
			toks = append(toks, token{kind: tokNewline, text: "\n", line: line, off: i})
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '"':
			start := i
			i++
			var sb strings.Builder
			for {
				if i >= len(src) || src[i] == '\n' {
					return nil, syntaxErr(line, "unterminated string")
				}
				if src[i] == '\\' {
					if i+1 >= len(src) {
						return nil, syntaxErr(line, "unterminated string")
					}
					switch src[i+1] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					case '"':
						sb.WriteByte('"')
					case '\\':
						sb.WriteByte('\\')
					default:
						return nil, syntaxErr(line, "unknown escape \\%c", src[i+1])
					}
					i += 2
					continue
				}
				if src[i] == '"' {
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), line: line, off: start})
		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], line: line, off: start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], line: line, off: start})
		default:
			start := i
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case "==", "!=", "<=", ">=":
				toks = append(toks, token{kind: tokOp, text: two, line: line, off: start})
				i += 2
				continue
			}
			switch c {
			case '+', '-', '*', '/', '%', '(', ')', ',', '=', '<', '>', '!', ';':
				toks = append(toks, token{kind: tokOp, text: string(c), line: line, off: start})
				i++
			default:
				return nil, syntaxErr(line, "unexpected character %q", string(c))
			}
		}
	}
	toks = append(toks, token{kind: tokEOF, line: line, off: len(src)})
	return toks, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Expressions.

type expr interface{ exprNode() }

type litExpr struct {
	val  any
	line int
}

type nameExpr struct {
	name string
	line int
}

type binExpr struct {
	op   string
	l, r expr
	line int
}

type unaryExpr struct {
	op   string
	x    expr
	line int
}

type callExpr struct {
	callee expr
	args   []expr
	line   int
}

func (litExpr) exprNode()   {}
func (nameExpr) exprNode()  {}
func (binExpr) exprNode()   {}
func (unaryExpr) exprNode() {}
func (callExpr) exprNode()  {}

// Statements.

type stmt interface {
	stmtNode()
	source() string
	lineNo() int
}

type stmtBase struct {
	src  string
	line int
}

func (s stmtBase) source() string { return s.src }
func (s stmtBase) lineNo() int    { return s.line }

type exprStmt struct {
	stmtBase
	e expr
}

type assignStmt struct {
	stmtBase
	name string
	e    expr
}

type importStmt struct {
	stmtBase
	name string
}

type fnStmt struct {
	stmtBase
	name   string
	params []string
	body   expr
}

type classStmt struct {
	stmtBase
	name   string
	fields []string
}

func (exprStmt) stmtNode()   {}
func (assignStmt) stmtNode() {}
func (importStmt) stmtNode() {}
func (fnStmt) stmtNode()     {}
func (classStmt) stmtNode()  {}

type parser struct {
	src  string
	toks []token
	pos  int
}

func parse(src string) ([]stmt, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	var stmts []stmt
	for {
		p.skipSeparators()
		if p.peek().kind == tokEOF {
			return stmts, nil
		}
		s, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
		if err := p.endOfStatement(); err != nil {
			return nil, err
		}
	}
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptOp(text string) bool {
	if p.peek().kind == tokOp && p.peek().text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectOp(text string) error {
	if !p.acceptOp(text) {
		return syntaxErr(p.peek().line, "expected %q", text)
	}
	return nil
}

func (p *parser) expectIdent() (token, error) {
	if p.peek().kind != tokIdent {
		return token{}, syntaxErr(p.peek().line, "expected identifier")
	}
	return p.next(), nil
}

func (p *parser) skipSeparators() {
	for p.peek().kind == tokNewline || (p.peek().kind == tokOp && p.peek().text == ";") {
		p.pos++
	}
}

func (p *parser) endOfStatement() error {
	switch t := p.peek(); {
	case t.kind == tokEOF:
		return nil
	case t.kind == tokNewline, t.kind == tokOp && t.text == ";":
		p.pos++
		return nil
	default:
		return syntaxErr(t.line, "unexpected %q after statement", t.text)
	}
}

// sourceFrom slices the statement's source text between token offsets.
func (p *parser) sourceFrom(start token) string {
	end := p.peek().off
	return strings.TrimSpace(p.src[start.off:end])
}

func (p *parser) statement() (stmt, error) {
	start := p.peek()

	if start.kind == tokIdent {
		switch start.text {
		case "import":
			p.next()
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			return importStmt{stmtBase{p.sourceFrom(start), start.line}, name.text}, nil
		case "fn":
			return p.fnStatement(start)
		case "class":
			return p.classStatement(start)
		}
		// Assignment requires a single "=", not "==".
		if p.toks[p.pos+1].kind == tokOp && p.toks[p.pos+1].text == "=" {
			switch start.text {
			case "true", "false", "null":
				return nil, syntaxErr(start.line, "cannot assign to %q", start.text)
			}
			name := p.next()
			p.next() // =
			e, err := p.expression()
			if err != nil {
				return nil, err
			}
			return assignStmt{stmtBase{p.sourceFrom(start), start.line}, name.text, e}, nil
		}
	}

	e, err := p.expression()
	if err != nil {
		return nil, err
	}
	return exprStmt{stmtBase{p.sourceFrom(start), start.line}, e}, nil
}

func (p *parser) fnStatement(start token) (stmt, error) {
	p.next() // fn
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	params, err := p.paramList()
	if err != nil {
		return nil, err
	}
	if err := p.expectOp("="); err != nil {
		return nil, err
	}
	body, err := p.expression()
	if err != nil {
		return nil, err
	}
	return fnStmt{stmtBase{p.sourceFrom(start), start.line}, name.text, params, body}, nil
}

func (p *parser) classStatement(start token) (stmt, error) {
	p.next() // class
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	fields, err := p.paramList()
	if err != nil {
		return nil, err
	}
	return classStmt{stmtBase{p.sourceFrom(start), start.line}, name.text, fields}, nil
}

func (p *parser) paramList() ([]string, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	var params []string
	if p.acceptOp(")") {
		return params, nil
	}
	for {
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		params = append(params, name.text)
		if p.acceptOp(")") {
			return params, nil
		}
		if err := p.expectOp(","); err != nil {
			return nil, err
		}
	}
}

func (p *parser) expression() (expr, error) {
	return p.comparison()
}

func (p *parser) comparison() (expr, error) {
	left, err := p.additive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		switch t.text {
		case "==", "!=", "<", ">", "<=", ">=":
			p.next()
			right, err := p.additive()
			if err != nil {
				return nil, err
			}
			left = binExpr{t.text, left, right, t.line}
		default:
			return left, nil
		}
	}
}

func (p *parser) additive() (expr, error) {
	left, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind == tokOp && (t.text == "+" || t.text == "-") {
			p.next()
			right, err := p.multiplicative()
			if err != nil {
				return nil, err
			}
			left = binExpr{t.text, left, right, t.line}
			continue
		}
		return left, nil
	}
}

func (p *parser) multiplicative() (expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind == tokOp && (t.text == "*" || t.text == "/" || t.text == "%") {
			p.next()
			right, err := p.unary()
			if err != nil {
				return nil, err
			}
			left = binExpr{t.text, left, right, t.line}
			continue
		}
		return left, nil
	}
}

func (p *parser) unary() (expr, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "!") {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unaryExpr{t.text, x, t.line}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (expr, error) {
	e, err := p.primary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "(" {
		line := p.next().line
		var args []expr
		if !p.acceptOp(")") {
			for {
				a, err := p.expression()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if p.acceptOp(")") {
					break
				}
				if err := p.expectOp(","); err != nil {
					return nil, err
				}
			}
		}
		e = callExpr{callee: e, args: args, line: line}
	}
	return e, nil
}

func (p *parser) primary() (expr, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, syntaxErr(t.line, "bad number %q", t.text)
			}
			return litExpr{f, t.line}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, syntaxErr(t.line, "bad number %q", t.text)
		}
		return litExpr{n, t.line}, nil
	case tokString:
		p.next()
		return litExpr{t.text, t.line}, nil
	case tokIdent:
		p.next()
		switch t.text {
		case "true":
			return litExpr{true, t.line}, nil
		case "false":
			return litExpr{false, t.line}, nil
		case "null":
			return litExpr{nil, t.line}, nil
		}
		return nameExpr{t.text, t.line}, nil
	case tokOp:
		if t.text == "(" {
			p.next()
			e, err := p.expression()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	return nil, syntaxErr(t.line, "unexpected %q", t.text)
}
