package expr

// Walk calls fn for e and every node below it, depth first. Children of a
// node are skipped when fn returns false. Sub-query bodies are not entered.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch e := e.(type) {
	case Binary:
		Walk(e.Left, fn)
		Walk(e.Right, fn)
	case Unary:
		Walk(e.Operand, fn)
	case Call:
		for _, a := range e.Args {
			Walk(a, fn)
		}
	case Conditional:
		Walk(e.Test, fn)
		Walk(e.Then, fn)
		Walk(e.Else, fn)
	case New:
		for _, b := range e.Bindings {
			Walk(b.Value, fn)
		}
	case List:
		for _, x := range e.Items {
			Walk(x, fn)
		}
	case TypeIs:
		Walk(e.Operand, fn)
	case InQuery:
		Walk(e.Operand, fn)
	}
}

// Any reports whether fn holds for some node of e.
func Any(e Expr, fn func(Expr) bool) bool {
	found := false
	Walk(e, func(x Expr) bool {
		if found {
			return false
		}
		if fn(x) {
			found = true
			return false
		}
		return true
	})
	return found
}
