package formula

// Node is a parsed formula expression tree node.
type Node interface {
	node()
}

// Literal is a number, string, boolean or null literal.
type Literal struct {
	Value any
}

// FieldRef is a dotted reference into the binding context, e.g. "owner.name".
type FieldRef struct {
	Path []string
}

// Call is a registry function invocation.
type Call struct {
	Name string
	Args []Node
}

// Unary is a prefix operator application ("-" or "!").
type Unary struct {
	Op string
	X  Node
}

// Binary is an infix operator application.
type Binary struct {
	Op   string
	L, R Node
}

func (*Literal) node()  {}
func (*FieldRef) node() {}
func (*Call) node()     {}
func (*Unary) node()    {}
func (*Binary) node()   {}

// Walk visits every node of the tree in depth-first order.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	switch x := n.(type) {
	case *Call:
		for _, a := range x.Args {
			Walk(a, fn)
		}
	case *Unary:
		Walk(x.X, fn)
	case *Binary:
		Walk(x.L, fn)
		Walk(x.R, fn)
	}
}
