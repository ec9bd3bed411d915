package formula

import (
	"fmt"
	"strconv"
)

// Parse parses a formula string into an expression tree. Unparseable input
// returns a *SyntaxError; callers reject such formulas before they are ever
// stored.
//
// Grammar, loosest binding first:
//
//	or      := and ( "||" and )*
//	and     := eq ( "&&" eq )*
//	eq      := cmp ( ("==" | "!=") cmp )*
//	cmp     := add ( ("<" | "<=" | ">" | ">=") add )*
//	add     := mul ( ("+" | "-") mul )*
//	mul     := unary ( ("*" | "/" | "%") unary )*
//	unary   := ("!" | "-") unary | primary
//	primary := number | string | "true" | "false" | "null"
//	         | ident "(" [ or ( "," or )* ] ")"
//	         | ident ( "." ident )*
//	         | "(" or ")"
func Parse(src string) (Node, error) {
	p := &parser{lex: &lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: p.tok.pos, Msg: fmt.Sprintf("unexpected %q", p.tok.text)}
	}
	return n, nil
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) parseBinary(ops []string, next func() (Node, error)) (Node, error) {
	l, err := next()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && contains(ops, p.tok.text) {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := next()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: op, L: l, R: r}
	}
	return l, nil
}

func (p *parser) parseOr() (Node, error)  { return p.parseBinary([]string{"||"}, p.parseAnd) }
func (p *parser) parseAnd() (Node, error) { return p.parseBinary([]string{"&&"}, p.parseEq) }
func (p *parser) parseEq() (Node, error)  { return p.parseBinary([]string{"==", "!="}, p.parseCmp) }
func (p *parser) parseCmp() (Node, error) {
	return p.parseBinary([]string{"<", "<=", ">", ">="}, p.parseAdd)
}
func (p *parser) parseAdd() (Node, error) { return p.parseBinary([]string{"+", "-"}, p.parseMul) }
func (p *parser) parseMul() (Node, error) {
	return p.parseBinary([]string{"*", "/", "%"}, p.parseUnary)
}

func (p *parser) parseUnary() (Node, error) {
	if p.tok.kind == tokOp && (p.tok.text == "!" || p.tok.text == "-") {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: p.tok.pos, Msg: fmt.Sprintf("bad number %q", p.tok.text)}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Value: f}, nil

	case tokString:
		s := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Value: s}, nil

	case tokIdent:
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch name {
		case "true":
			return &Literal{Value: true}, nil
		case "false":
			return &Literal{Value: false}, nil
		case "null":
			return &Literal{Value: nil}, nil
		}
		if p.tok.kind == tokLParen {
			return p.parseCallArgs(name)
		}
		path := []string{name}
		for p.tok.kind == tokDot {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent {
				return nil, &SyntaxError{Pos: p.tok.pos, Msg: "expected identifier after '.'"}
			}
			path = append(path, p.tok.text)
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		return &FieldRef{Path: path}, nil

	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, &SyntaxError{Pos: p.tok.pos, Msg: "expected ')'"}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return n, nil
	}

	return nil, &SyntaxError{Pos: p.tok.pos, Msg: fmt.Sprintf("unexpected %q", p.tok.text)}
}

func (p *parser) parseCallArgs(name string) (Node, error) {
	// Current token is '('.
	if err := p.advance(); err != nil {
		return nil, err
	}
	call := &Call{Name: name}
	if p.tok.kind == tokRParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		return call, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		if p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if p.tok.kind == tokRParen {
			if err := p.advance(); err != nil {
				return nil, err
			}
			return call, nil
		}
		return nil, &SyntaxError{Pos: p.tok.pos, Msg: "expected ',' or ')' in argument list"}
	}
}

func contains(ss []string, s string) bool {
	for _, e := range ss {
		if e == s {
			return true
		}
	}
	return false
}
