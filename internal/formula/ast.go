package formula

// Node is the formula AST. It is a tagged union of Terminal (a literal
// number or an attribute reference) and Op (a unary/binary operator
// application), matching spec.md §9's preference for tagged variants
// over a class hierarchy of expression node types.
type Node struct {
	terminal *Terminal
	op       *OpNode
}

// Terminal is a leaf node: either a numeric literal or a reference to an
// attribute resolved at evaluation time against the current values map.
type Terminal struct {
	IsAttribute bool
	Attribute   string
	Value       float64
}

// OpNode is an operator application over one (unary) or two (binary) operands.
type OpNode struct {
	Op    string
	Left  *Node
	Right *Node // nil for unary operators
}

func leaf(t Terminal) *Node { return &Node{terminal: &t} }
func opNode(op string, left, right *Node) *Node {
	return &Node{op: &OpNode{Op: op, Left: left, Right: right}}
}

// Attributes returns the distinct attribute names the formula
// references, in first-seen order. Used to derive the computed-metric
// trigger map (spec.md §4.8): a computedMetric stage only needs to
// re-run when one of these attributes changes.
func (f *Formula) Attributes() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.terminal != nil {
			if n.terminal.IsAttribute && !seen[n.terminal.Attribute] {
				seen[n.terminal.Attribute] = true
				out = append(out, n.terminal.Attribute)
			}
			return
		}
		walk(n.op.Left)
		walk(n.op.Right)
	}
	walk(f.root)
	return out
}

// String renders the node back to formula text, used by policy function
// introspection and logging (spec.md §4.4, "Formula.toString parity").
func (n *Node) String() string {
	if n.terminal != nil {
		if n.terminal.IsAttribute {
			return n.terminal.Attribute
		}
		return formatNumber(n.terminal.Value)
	}
	o := n.op
	if o.Right == nil {
		return o.Op + o.Left.String()
	}
	return "(" + o.Left.String() + " " + o.Op + " " + o.Right.String() + ")"
}
