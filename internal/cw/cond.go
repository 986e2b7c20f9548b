package cw

import (
	"strconv"
	"strings"
	"time"
)

// Cond is a node of the API's "conditions" expression language. Build
// expressions with Eq, In, Like, Gt, Gte, Lt, And and Or, then serialize
// once with Encode.
type Cond interface {
	write(b *strings.Builder)
}

type comparison struct {
	field string
	op    string
	value any
}

type inList struct {
	field  string
	values []any
}

type junction struct {
	op    string
	terms []Cond
}

// Eq matches field = value.
func Eq(field string, value any) Cond { return comparison{field: field, op: "=", value: value} }

// NotEq matches field != value.
func NotEq(field string, value any) Cond { return comparison{field: field, op: "!=", value: value} }

// Gt matches field > value.
func Gt(field string, value any) Cond { return comparison{field: field, op: ">", value: value} }

// Gte matches field >= value.
func Gte(field string, value any) Cond { return comparison{field: field, op: ">=", value: value} }

// Lt matches field < value.
func Lt(field string, value any) Cond { return comparison{field: field, op: "<", value: value} }

// Like matches field LIKE pattern; % is the wildcard.
func Like(field, pattern string) Cond { return comparison{field: field, op: "LIKE", value: pattern} }

// Contains matches field LIKE "%s%".
func Contains(field, s string) Cond { return Like(field, "%"+s+"%") }

// In matches field IN (values...). Callers must not pass an empty set:
// the API rejects "IN ()".
func In[T int | int64 | string](field string, values ...T) Cond {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return inList{field: field, values: vals}
}

// And joins the non-nil terms conjunctively. It returns nil when no terms
// remain so optional filters can be passed through unconditionally.
func And(terms ...Cond) Cond { return join("AND", terms) }

// Or joins the non-nil terms disjunctively.
func Or(terms ...Cond) Cond { return join("OR", terms) }

func join(op string, terms []Cond) Cond {
	kept := make([]Cond, 0, len(terms))
	for _, t := range terms {
		if t != nil {
			kept = append(kept, t)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return junction{op: op, terms: kept}
	}
}

// Encode serializes c to the remote syntax. A nil condition encodes to "".
func Encode(c Cond) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	c.write(&b)
	return b.String()
}

func (c comparison) write(b *strings.Builder) {
	b.WriteString(c.field)
	b.WriteByte(' ')
	b.WriteString(c.op)
	b.WriteByte(' ')
	writeLiteral(b, c.value)
}

func (c inList) write(b *strings.Builder) {
	b.WriteString(c.field)
	b.WriteString(" IN (")
	for i, v := range c.values {
		if i > 0 {
			b.WriteByte(',')
		}
		writeLiteral(b, v)
	}
	b.WriteByte(')')
}

func (j junction) write(b *strings.Builder) {
	for i, t := range j.terms {
		if i > 0 {
			b.WriteByte(' ')
			b.WriteString(j.op)
			b.WriteByte(' ')
		}
		if _, nested := t.(junction); nested {
			b.WriteByte('(')
			t.write(b)
			b.WriteByte(')')
			continue
		}
		t.write(b)
	}
}

func writeLiteral(b *strings.Builder, v any) {
	switch x := v.(type) {
	case string:
		b.WriteString(quote(x))
	case int:
		b.WriteString(strconv.Itoa(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case time.Time:
		b.WriteByte('[')
		b.WriteString(x.UTC().Format(time.RFC3339))
		b.WriteByte(']')
	default:
		b.WriteString(quote(""))
	}
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
