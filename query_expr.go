package emdb

import "strings"

// Expr is a node in the query expression tree from spec.md §4.7: three node
// kinds (Aggregate, Unary, Binary), compiled twice by query_compile.go —
// once to SQL, once to an in-memory predicate closure.
type Expr interface {
	isExpr()
}

// AggregateExpr is the n-ary `all` (AND) / `any` (OR) node.
type AggregateExpr struct {
	Op       string // "all" or "any"
	Children []Expr
}

// UnaryExpr is `is_null` / `is_not_null` over one leaf.
type UnaryExpr struct {
	Op      string
	Operand Leaf
}

// BinaryExpr is one of >, >=, <, <=, =, ~= over two leaves.
type BinaryExpr struct {
	Op          string
	Left, Right Leaf
}

func (*AggregateExpr) isExpr() {}
func (*UnaryExpr) isExpr()     {}
func (*BinaryExpr) isExpr()    {}

type leafKind int

const (
	leafIdent leafKind = iota // unresolved bareword; query_compile.go decides field/constant
	leafField
	leafJSONPath
	leafParam
	leafConst
)

// Leaf is one of spec.md §4.7's five leaf kinds: field reference, JSON
// path, parameter, quoted/bare constant. Field/Param/Const/JSONPath are the
// Go-idiomatic builder constructors; ParseExprString below covers the
// string convenience form.
type Leaf struct {
	Kind     leafKind
	Field    string
	JSONPath []string
	Param    string
	Value    any
}

func Field(name string) Leaf {
	return Leaf{Kind: leafField, Field: strings.ToLower(name)}
}

func JSONPathLeaf(field string, path ...string) Leaf {
	return Leaf{Kind: leafJSONPath, Field: strings.ToLower(field), JSONPath: path}
}

func ParamLeaf(name string) Leaf {
	return Leaf{Kind: leafParam, Param: strings.ToLower(strings.TrimPrefix(name, ":"))}
}

func Const(v any) Leaf {
	return Leaf{Kind: leafConst, Value: v}
}

func All(children ...Expr) Expr  { return &AggregateExpr{Op: "all", Children: children} }
func Any(children ...Expr) Expr  { return &AggregateExpr{Op: "any", Children: children} }
func IsNull(l Leaf) Expr         { return &UnaryExpr{Op: "is_null", Operand: l} }
func IsNotNull(l Leaf) Expr      { return &UnaryExpr{Op: "is_not_null", Operand: l} }
func Gt(l, r Leaf) Expr          { return &BinaryExpr{Op: ">", Left: l, Right: r} }
func Gte(l, r Leaf) Expr         { return &BinaryExpr{Op: ">=", Left: l, Right: r} }
func Lt(l, r Leaf) Expr          { return &BinaryExpr{Op: "<", Left: l, Right: r} }
func Lte(l, r Leaf) Expr         { return &BinaryExpr{Op: "<=", Left: l, Right: r} }
func Eq(l, r Leaf) Expr          { return &BinaryExpr{Op: "=", Left: l, Right: r} }
func Like(l, r Leaf) Expr        { return &BinaryExpr{Op: "~=", Left: l, Right: r} }
