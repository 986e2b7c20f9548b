package cw

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Evaluator for the conditions language, used by MockServer to filter
// records the way the remote does. It understands the subset the client
// emits: comparisons, IN lists, LIKE, AND/OR and parentheses.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokDate
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		ch := s[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n':
			i++
		case ch == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case ch == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case ch == '"':
			var b strings.Builder
			i++
			closed := false
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					b.WriteByte(s[i+1])
					i += 2
					continue
				}
				if s[i] == '"' {
					closed = true
					i++
					break
				}
				b.WriteByte(s[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{tokString, b.String()})
		case ch == '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated date")
			}
			toks = append(toks, token{tokDate, s[i+1 : i+end]})
			i += end + 1
		case ch == '=' || ch == '<' || ch == '>' || ch == '!':
			j := i + 1
			if j < len(s) && s[j] == '=' {
				j++
			}
			op := s[i:j]
			if op == "!" {
				return nil, fmt.Errorf("unexpected '!'")
			}
			toks = append(toks, token{tokOp, op})
			i = j
		case ch == '-' || (ch >= '0' && ch <= '9'):
			j := i + 1
			for j < len(s) && (s[j] == '.' || (s[j] >= '0' && s[j] <= '9')) {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i + 1
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_' || s[j] == '/' || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", ch, i)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

// predicate reports whether a decoded JSON record matches.
type predicate func(rec map[string]any) bool

type condParser struct {
	toks []token
	pos  int
}

// parseConditions compiles a conditions string. An empty string matches everything.
func parseConditions(s string) (predicate, error) {
	if strings.TrimSpace(s) == "" {
		return func(map[string]any) bool { return true }, nil
	}
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks}
	pred, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q", p.peek().text)
	}
	return pred, nil
}

func (p *condParser) peek() token { return p.toks[p.pos] }

func (p *condParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *condParser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) parseOr() (predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(rec map[string]any) bool { return l(rec) || r(rec) }
	}
	return left, nil
}

func (p *condParser) parseAnd() (predicate, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(rec map[string]any) bool { return l(rec) && r(rec) }
	}
	return left, nil
}

func (p *condParser) parseFactor() (predicate, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("expected ')'")
		}
		return inner, nil
	}

	field := p.next()
	if field.kind != tokIdent {
		return nil, fmt.Errorf("expected field name, got %q", field.text)
	}

	if p.keyword("IN") {
		if p.next().kind != tokLParen {
			return nil, fmt.Errorf("expected '(' after IN")
		}
		var values []token
		for {
			v := p.next()
			if !isLiteral(v) {
				return nil, fmt.Errorf("expected literal in IN list, got %q", v.text)
			}
			values = append(values, v)
			sep := p.next()
			if sep.kind == tokRParen {
				break
			}
			if sep.kind != tokComma {
				return nil, fmt.Errorf("expected ',' or ')' in IN list")
			}
		}
		return func(rec map[string]any) bool {
			got, ok := lookupField(rec, field.text)
			if !ok {
				return false
			}
			for _, v := range values {
				if compare(got, "=", v) {
					return true
				}
			}
			return false
		}, nil
	}

	if p.keyword("LIKE") {
		v := p.next()
		if v.kind != tokString {
			return nil, fmt.Errorf("LIKE needs a string pattern")
		}
		re := likePattern(v.text)
		return func(rec map[string]any) bool {
			got, ok := lookupField(rec, field.text)
			s, isStr := got.(string)
			return ok && isStr && re.MatchString(s)
		}, nil
	}

	op := p.next()
	if op.kind != tokOp {
		return nil, fmt.Errorf("expected operator after %s", field.text)
	}
	v := p.next()
	if !isLiteral(v) {
		return nil, fmt.Errorf("expected literal after %s %s", field.text, op.text)
	}
	return func(rec map[string]any) bool {
		got, ok := lookupField(rec, field.text)
		return ok && compare(got, op.text, v)
	}, nil
}

func isLiteral(t token) bool {
	switch t.kind {
	case tokString, tokNumber, tokDate:
		return true
	case tokIdent:
		return strings.EqualFold(t.text, "true") || strings.EqualFold(t.text, "false") || strings.EqualFold(t.text, "null")
	}
	return false
}

func likePattern(p string) *regexp.Regexp {
	parts := strings.Split(p, "%")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("(?is)^" + strings.Join(parts, ".*") + "$")
}

// lookupField resolves "a/b/c" through nested objects. The remote accepts
// lastUpdated as shorthand for _info/lastUpdated.
func lookupField(rec map[string]any, path string) (any, bool) {
	v, ok := walk(rec, strings.Split(path, "/"))
	if !ok && path == "lastUpdated" {
		return walk(rec, []string{"_info", "lastUpdated"})
	}
	return v, ok
}

func walk(rec map[string]any, parts []string) (any, bool) {
	var cur any = rec
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compare(got any, op string, lit token) bool {
	if got == nil {
		return lit.kind == tokIdent && strings.EqualFold(lit.text, "null") && (op == "=")
	}

	switch lit.kind {
	case tokDate:
		want, err := time.Parse(time.RFC3339, lit.text)
		if err != nil {
			return false
		}
		s, ok := got.(string)
		if !ok {
			return false
		}
		have, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return false
		}
		return ordered(have.Compare(want), op)

	case tokNumber:
		want, err := strconv.ParseFloat(lit.text, 64)
		if err != nil {
			return false
		}
		have, ok := got.(float64)
		if !ok {
			return false
		}
		switch {
		case have < want:
			return ordered(-1, op)
		case have > want:
			return ordered(1, op)
		default:
			return ordered(0, op)
		}

	case tokString:
		s, ok := got.(string)
		if !ok {
			return false
		}
		return ordered(strings.Compare(strings.ToLower(s), strings.ToLower(lit.text)), op)

	case tokIdent:
		b, ok := got.(bool)
		if !ok {
			return false
		}
		want := strings.EqualFold(lit.text, "true")
		switch op {
		case "=":
			return b == want
		case "!=":
			return b != want
		}
	}
	return false
}

func ordered(cmp int, op string) bool {
	switch op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}
