package compiler

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/syssam/quarry"
	"github.com/syssam/quarry/expr"
)

// likeEscape is the LIKE escape character. It needs no escaping inside a
// string literal in any supported dialect.
const likeEscape = "!"

var likeEscaper = strings.NewReplacer(likeEscape, likeEscape+likeEscape, "%", likeEscape+"%", "_", likeEscape+"_")

var aggregates = map[string]bool{
	"Count": true, "CountDistinct": true, "Sum": true, "Avg": true, "Max": true, "Min": true,
}

func (c *Compiler) call(e expr.Call) (*Segment, error) {
	switch e.Method {
	case "Contains", "StartsWith", "EndsWith", "Like":
		return c.like(e)
	case "IsNullOrEmpty":
		if len(e.Args) != 1 {
			return nil, c.arity(e)
		}
		x, err := c.visit(e.Args[0])
		if err != nil {
			return nil, err
		}
		xf, err := c.materialize(x, nil, nil)
		if err != nil {
			return nil, err
		}
		return predSeg(Text("(").Append(xf, Text(" IS NULL OR "), xf, Text("='')"))), nil
	case "In":
		return c.in(e)
	case "Concat":
		var parts []Frag
		for _, a := range e.Args {
			s, err := c.visit(a)
			if err != nil {
				return nil, err
			}
			p, err := c.concatParts(s)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p...)
		}
		if len(parts) == 0 {
			return nil, c.arity(e)
		}
		return c.concat(parts), nil
	case "Format":
		return c.format(e)
	case "Count":
		if len(e.Args) == 0 {
			break
		}
		if _, ok := e.Args[0].(expr.Star); ok {
			e.Args = nil
		}
	}
	return c.function(e)
}

func (c *Compiler) arity(e expr.Call) error {
	return quarry.NewCompilationError(expr.Describe(e), "wrong number of arguments")
}

// function translates a call through the dialect function table.
func (c *Compiler) function(e expr.Call) (*Segment, error) {
	var (
		args  = make([]*Segment, len(e.Args))
		frags = make([]Frag, len(e.Args))
		hint  *Segment
	)
	for i, a := range e.Args {
		s, err := c.visit(a)
		if err != nil {
			return nil, err
		}
		args[i] = s
		if hint == nil && s.kind == segValue {
			hint = s
		}
	}
	for i, s := range args {
		var err error
		if e.Method == "Coalesce" && hint != nil {
			frags[i], err = c.materialize(s, hint.member, hint.typ)
		} else {
			frags[i], err = c.materialize(s, nil, nil)
		}
		if err != nil {
			return nil, err
		}
	}
	p := c.scope.Provider()
	text, ok := p.Function(e.Method, slots(len(frags)))
	if !ok {
		return nil, quarry.NewCompilationError(expr.Describe(e), "no "+p.Name()+" translation")
	}
	s := valueSeg(splice(text, frags), resultType(e.Method, args))
	s.agg = aggregates[e.Method]
	return s, nil
}

func resultType(method string, args []*Segment) reflect.Type {
	switch method {
	case "Length", "IndexOf", "Count", "CountDistinct", "Year", "Month", "Day", "Hour", "Minute", "Second":
		return int64Type
	case "ToUpper", "ToLower", "Trim", "TrimStart", "TrimEnd", "Replace", "Substring":
		return stringType
	case "Avg", "Sqrt", "Pow":
		return floatType
	case "Now", "AddDays", "AddHours":
		return timeType
	}
	for _, a := range args {
		if a.typ != nil {
			return a.typ
		}
	}
	return nil
}

func (c *Compiler) like(e expr.Call) (*Segment, error) {
	if len(e.Args) != 2 {
		return nil, c.arity(e)
	}
	x, err := c.visit(e.Args[0])
	if err != nil {
		return nil, err
	}
	xf, err := c.materialize(x, nil, nil)
	if err != nil {
		return nil, err
	}
	pat, err := c.visit(e.Args[1])
	if err != nil {
		return nil, err
	}
	var (
		pf     Frag
		escape bool
	)
	switch {
	case e.Method == "Like":
		pf, err = c.materialize(pat, nil, stringType)
	case pat.kind == segConst:
		s, ok := pat.value.(string)
		if !ok {
			return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), "pattern is not a string")
		}
		if esc := likeEscaper.Replace(s); esc != s {
			s, escape = esc, true
		}
		switch e.Method {
		case "Contains":
			s = "%" + s + "%"
		case "StartsWith":
			s += "%"
		case "EndsWith":
			s = "%" + s
		}
		pf, err = c.materialize(constSeg(s, pat.param), nil, nil)
	default:
		// Column patterns are not escaped.
		var sf Frag
		sf, err = c.materialize(pat, nil, nil)
		if err != nil {
			return nil, err
		}
		wild := Text("'%'")
		switch e.Method {
		case "Contains":
			pf = c.concat([]Frag{wild, sf, wild}).frag
		case "StartsWith":
			pf = c.concat([]Frag{sf, wild}).frag
		case "EndsWith":
			pf = c.concat([]Frag{wild, sf}).frag
		}
	}
	if err != nil {
		return nil, err
	}
	f := xf.Append(Text(" LIKE "), pf)
	if escape {
		f = f.Append(Text(" ESCAPE '" + likeEscape + "'"))
	}
	return predSeg(f), nil
}

func (c *Compiler) in(e expr.Call) (*Segment, error) {
	if len(e.Args) != 2 {
		return nil, c.arity(e)
	}
	x, err := c.visit(e.Args[0])
	if err != nil {
		return nil, err
	}
	xf, err := c.materialize(x, nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := c.visit(e.Args[1])
	if err != nil {
		return nil, err
	}
	if list.kind == segConst {
		items, ok := expand(list.value)
		if !ok {
			return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), "IN needs a list")
		}
		list = &Segment{kind: segList}
		for _, v := range items {
			list.items = append(list.items, constSeg(v, false))
		}
	}
	if list.kind != segList {
		return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), "IN needs a list")
	}
	if len(list.items) == 0 {
		return predSeg(Text("1=0")), nil
	}
	lf, err := c.materialize(list, x.member, x.typ)
	if err != nil {
		return nil, err
	}
	return predSeg(xf.Append(Text(" IN "), lf)), nil
}

func expand(v any) ([]any, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// format compiles Format("{0} ({1})", a, b) into a concatenation.
func (c *Compiler) format(e expr.Call) (*Segment, error) {
	if len(e.Args) == 0 {
		return nil, c.arity(e)
	}
	fc, ok := e.Args[0].(expr.Constant)
	if !ok {
		return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), "format string must be a constant")
	}
	format, ok := fc.Value.(string)
	if !ok {
		return nil, quarry.NewUnsupportedExpressionError(expr.Describe(e), "format string must be a string")
	}
	args := e.Args[1:]
	var parts []Frag
	text := func(s string) error {
		if s == "" {
			return nil
		}
		f, err := c.materialize(constSeg(s, false), nil, nil)
		if err != nil {
			return err
		}
		parts = append(parts, f)
		return nil
	}
	for format != "" {
		i := strings.IndexByte(format, '{')
		if i < 0 {
			break
		}
		j := strings.IndexByte(format[i:], '}')
		if j < 0 {
			break
		}
		n, err := strconv.Atoi(format[i+1 : i+j])
		if err != nil || n < 0 || n >= len(args) {
			return nil, quarry.NewCompilationError(expr.Describe(e), "bad placeholder "+format[i:i+j+1])
		}
		if err := text(format[:i]); err != nil {
			return nil, err
		}
		s, err := c.visit(args[n])
		if err != nil {
			return nil, err
		}
		p, err := c.concatParts(s)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p...)
		format = format[i+j+1:]
	}
	if err := text(format); err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return c.materializeSeg(constSeg("", false))
	}
	return c.concat(parts), nil
}

func (c *Compiler) materializeSeg(s *Segment) (*Segment, error) {
	f, err := c.materialize(s, nil, nil)
	if err != nil {
		return nil, err
	}
	return valueSeg(f, s.typ), nil
}

// slots returns n argument markers handed to the dialect function table;
// splice replaces them with the compiled argument fragments.
func slots(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "\x00" + strconv.Itoa(i) + "\x00"
	}
	return out
}

func splice(text string, args []Frag) Frag {
	var w Writer
	for {
		i := strings.IndexByte(text, 0)
		if i < 0 {
			w.WriteString(text)
			return w.Frag()
		}
		w.WriteString(text[:i])
		rest := text[i+1:]
		j := strings.IndexByte(rest, 0)
		n, _ := strconv.Atoi(rest[:j])
		w.Write(args[n])
		text = rest[j+1:]
	}
}
