package compiler

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/dialect"
)

// Param is a bound parameter of a statement.
type Param struct {
	Name  string
	Value any
}

type part struct {
	text  string
	param *Param
}

// Frag is a piece of SQL text with parameter slots. Placeholders are not
// rendered until the fragment is part of a complete statement, so the same
// fragment can be numbered differently inside a batch.
type Frag struct {
	parts []part
}

// Text returns a fragment holding s.
func Text(s string) Frag {
	if s == "" {
		return Frag{}
	}
	return Frag{parts: []part{{text: s}}}
}

// Bind returns a fragment holding a single parameter slot.
func Bind(p *Param) Frag {
	return Frag{parts: []part{{param: p}}}
}

// Empty reports whether the fragment holds no text and no parameters.
func (f Frag) Empty() bool { return len(f.parts) == 0 }

// Append returns f followed by others.
func (f Frag) Append(others ...Frag) Frag {
	n := len(f.parts)
	for _, o := range others {
		n += len(o.parts)
	}
	out := make([]part, 0, n)
	out = append(out, f.parts...)
	for _, o := range others {
		out = append(out, o.parts...)
	}
	return Frag{parts: out}
}

// Wrap returns (f).
func (f Frag) Wrap() Frag {
	return Text("(").Append(f, Text(")"))
}

// Join concatenates fragments separated by sep.
func Join(sep string, frags ...Frag) Frag {
	var w Writer
	for i, f := range frags {
		if i > 0 {
			w.WriteString(sep)
		}
		w.Write(f)
	}
	return w.Frag()
}

// Params returns the distinct parameters in textual order.
func (f Frag) Params() []*Param {
	var (
		out  []*Param
		seen = map[*Param]bool{}
	)
	for _, p := range f.parts {
		if p.param != nil && !seen[p.param] {
			seen[p.param] = true
			out = append(out, p.param)
		}
	}
	return out
}

// Render produces the SQL text and driver arguments. Parameter names are
// prefixed with ns, positional ordinals continue after offset.
func (f Frag) Render(p dialect.Provider, ns string, offset int) (string, []any) {
	var (
		b     strings.Builder
		args  []any
		ord   = offset
		named = p.NamedParams()
		seen  map[*Param]bool
	)
	if named {
		seen = map[*Param]bool{}
	}
	for _, pt := range f.parts {
		if pt.param == nil {
			b.WriteString(pt.text)
			continue
		}
		name := ns + pt.param.Name
		if named {
			b.WriteString(p.Placeholder(name, 0))
			if !seen[pt.param] {
				seen[pt.param] = true
				args = append(args, sql.Named(name, pt.param.Value))
			}
			continue
		}
		ord++
		b.WriteString(p.Placeholder(name, ord))
		args = append(args, pt.param.Value)
	}
	return b.String(), args
}

// String renders the fragment with @name placeholders, for logs and errors.
func (f Frag) String() string {
	var b strings.Builder
	for _, pt := range f.parts {
		if pt.param == nil {
			b.WriteString(pt.text)
		} else {
			b.WriteString("@" + pt.param.Name)
		}
	}
	return b.String()
}

// Writer accumulates a fragment.
type Writer struct {
	parts []part
}

// WriteString appends text.
func (w *Writer) WriteString(s string) *Writer {
	if s == "" {
		return w
	}
	if n := len(w.parts); n > 0 && w.parts[n-1].param == nil {
		w.parts[n-1].text += s
		return w
	}
	w.parts = append(w.parts, part{text: s})
	return w
}

// Write appends a fragment.
func (w *Writer) Write(f Frag) *Writer {
	for _, p := range f.parts {
		if p.param == nil {
			w.WriteString(p.text)
		} else {
			w.parts = append(w.parts, p)
		}
	}
	return w
}

// Arg appends a parameter slot.
func (w *Writer) Arg(p *Param) *Writer {
	w.parts = append(w.parts, part{param: p})
	return w
}

// Len reports the number of parts written.
func (w *Writer) Len() int { return len(w.parts) }

// Frag returns the accumulated fragment.
func (w *Writer) Frag() Frag {
	return Frag{parts: append([]part(nil), w.parts...)}
}

// Names allocates parameter names unique within one statement.
type Names struct {
	used map[string]bool
	next map[string]int
}

// NewNames returns an empty allocator.
func NewNames() *Names {
	return &Names{used: map[string]bool{}, next: map[string]int{}}
}

// Next returns base followed by the lowest unused counter for base.
func (n *Names) Next(base string) string {
	for {
		i := n.next[base]
		n.next[base] = i + 1
		name := base + strconv.Itoa(i)
		if !n.used[name] {
			n.used[name] = true
			return name
		}
	}
}

// New allocates a parameter holding v.
func (n *Names) New(base string, v any) *Param {
	return &Param{Name: n.Next(base), Value: v}
}

// Aliases allocates table aliases a, b, ... z, aa, ab, ... starting at a
// configured letter, skipping SQL keywords. Aliases are unique within one
// statement.
type Aliases struct {
	start byte
	n     int
	used  map[string]bool
}

// NewAliases returns an allocator starting at letter.
func NewAliases(letter byte) *Aliases {
	return &Aliases{start: letter, used: map[string]bool{}}
}

// Next returns the next free alias.
func (a *Aliases) Next() string {
	for {
		name := aliasName(int(a.start-'a') + a.n)
		a.n++
		if !a.used[name] && !keywords[name] {
			a.used[name] = true
			return name
		}
	}
}

// Reserve marks a caller-chosen name, such as a CTE name, as taken.
func (a *Aliases) Reserve(name string) error {
	if a.used[name] {
		return quarry.NewAmbiguousAliasError(name)
	}
	a.used[name] = true
	return nil
}

// keywords are generated alias names that read as SQL keywords.
var keywords = map[string]bool{
	"as": true, "at": true, "by": true, "do": true, "go": true, "if": true, "in": true,
	"is": true, "no": true, "of": true, "on": true, "or": true, "to": true,
	"add": true, "all": true, "and": true, "any": true, "are": true, "asc": true,
	"end": true, "for": true, "get": true, "int": true, "key": true, "mod": true,
	"not": true, "off": true, "old": true, "out": true, "ref": true, "row": true,
	"set": true, "sql": true, "top": true, "use": true,
}

// aliasName maps 0 to a, 25 to z, 26 to aa.
func aliasName(i int) string {
	var b []byte
	for {
		b = append([]byte{byte('a' + i%26)}, b...)
		i = i/26 - 1
		if i < 0 {
			return string(b)
		}
	}
}

// Statement is a compiled SQL statement.
type Statement struct {
	Frag     Frag
	provider dialect.Provider
	sql      string
	args     []any
}

// NewStatement finalizes a fragment for a provider.
func NewStatement(p dialect.Provider, f Frag) *Statement {
	s := &Statement{Frag: f, provider: p}
	s.sql, s.args = f.Render(p, "", 0)
	return s
}

// SQL returns the statement text.
func (s *Statement) SQL() string { return s.sql }

// Args returns the driver arguments in placeholder order.
func (s *Statement) Args() []any { return s.args }

// Params returns the statement parameters.
func (s *Statement) Params() []*Param { return s.Frag.Params() }

// Provider returns the dialect the statement was compiled for.
func (s *Statement) Provider() dialect.Provider { return s.provider }

// Render renders the statement with namespaced parameter names or shifted
// ordinals, for use inside a multi-statement command text.
func (s *Statement) Render(ns string, offset int) (string, []any) {
	return s.Frag.Render(s.provider, ns, offset)
}

// Rebind returns a copy of the statement whose parameters, in the order
// returned by Params, hold values. The SQL text is unchanged.
func (s *Statement) Rebind(values []any) *Statement {
	params := s.Params()
	repl := make(map[*Param]*Param, len(params))
	for i, p := range params {
		np := &Param{Name: p.Name, Value: p.Value}
		if i < len(values) {
			np.Value = values[i]
		}
		repl[p] = np
	}
	parts := make([]part, len(s.Frag.parts))
	for i, pt := range s.Frag.parts {
		if pt.param != nil {
			pt.param = repl[pt.param]
		}
		parts[i] = pt
	}
	return NewStatement(s.provider, Frag{parts: parts})
}
