package emdb

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// resolvedLeaf is a Leaf after compile-time resolution against an entity's
// field set: leafIdent barewords become leafField, leafJSONPath, or
// leafConst (spec §4.7's leaf kinds).
type resolvedLeaf struct {
	kind     leafKind
	field    string
	path     []string
	param    string
	value    any
	fieldDef *FieldDef
}

func resolveLeaf(entity *Entity, l Leaf) (resolvedLeaf, error) {
	switch l.Kind {
	case leafParam:
		if strings.HasPrefix(l.Param, "_") {
			return resolvedLeaf{}, schemaErrorf("parameter %q uses the reserved prefix \":_\"", l.Param)
		}
		return resolvedLeaf{kind: leafParam, param: l.Param}, nil
	case leafConst:
		return resolvedLeaf{kind: leafConst, value: l.Value}, nil
	case leafField:
		def, ok := entity.fields[l.Field]
		if !ok {
			return resolvedLeaf{}, schemaErrorf("query references unknown field %q on entity %q", l.Field, entity.name)
		}
		return resolvedLeaf{kind: leafField, field: l.Field, fieldDef: def}, nil
	case leafJSONPath:
		def, ok := entity.fields[l.Field]
		if !ok || def.Kind != KindFieldJSON {
			return resolvedLeaf{}, schemaErrorf("query path %q.%s requires a JSON field", l.Field, strings.Join(l.JSONPath, "."))
		}
		if entity.mgr.jsonCodec == nil {
			return resolvedLeaf{}, schemaErrorf("JSON field %q has no codec registered", l.Field)
		}
		return resolvedLeaf{kind: leafJSONPath, field: l.Field, path: l.JSONPath, fieldDef: def}, nil
	case leafIdent:
		if idx := strings.Index(l.Field, "."); idx > 0 {
			base := l.Field[:idx]
			if def, ok := entity.fields[base]; ok && def.Kind == KindFieldJSON {
				return resolveLeaf(entity, Leaf{Kind: leafJSONPath, Field: base, JSONPath: strings.Split(l.Field[idx+1:], ".")})
			}
		}
		if _, ok := entity.fields[l.Field]; ok {
			return resolveLeaf(entity, Leaf{Kind: leafField, Field: l.Field})
		}
		if f, err := strconv.ParseFloat(l.Field, 64); err == nil {
			return resolvedLeaf{kind: leafConst, value: f}, nil
		}
		return resolvedLeaf{kind: leafConst, value: l.Field}, nil
	}
	return resolvedLeaf{}, schemaErrorf("unsupported leaf")
}

func emitSQL(rl resolvedLeaf, consts map[string]any, counter *int) string {
	switch rl.kind {
	case leafField:
		return `"` + rl.field + `"`
	case leafJSONPath:
		return `json_extract("` + rl.field + `", '$.` + strings.Join(rl.path, ".") + `')`
	case leafParam:
		return ":" + rl.param
	default: // leafConst
		*counter++
		name := fmt.Sprintf("_%d", *counter)
		consts[name] = rl.value
		return ":" + name
	}
}

func sqlOp(op string) string {
	if op == "~=" {
		return "LIKE"
	}
	return op
}

// compileSQL emits spec §4.7's first evaluator: parameterized SQL text plus
// an auto-named constants map (`:_1`, `:_2`, …).
func compileSQL(entity *Entity, e Expr, consts map[string]any, counter *int) (string, error) {
	switch n := e.(type) {
	case *AggregateExpr:
		if len(n.Children) == 0 {
			return "1=1", nil
		}
		parts := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			s, err := compileSQL(entity, c, consts, counter)
			if err != nil {
				return "", err
			}
			parts = append(parts, "("+s+")")
		}
		joiner := " AND "
		if n.Op == "any" {
			joiner = " OR "
		}
		return strings.Join(parts, joiner), nil
	case *UnaryExpr:
		rl, err := resolveLeaf(entity, n.Operand)
		if err != nil {
			return "", err
		}
		if n.Op == "is_null" {
			return emitSQL(rl, consts, counter) + " IS NULL", nil
		}
		return emitSQL(rl, consts, counter) + " IS NOT NULL", nil
	case *BinaryExpr:
		l, err := resolveLeaf(entity, n.Left)
		if err != nil {
			return "", err
		}
		r, err := resolveLeaf(entity, n.Right)
		if err != nil {
			return "", err
		}
		return emitSQL(l, consts, counter) + " " + sqlOp(n.Op) + " " + emitSQL(r, consts, counter), nil
	default:
		return "", schemaErrorf("unsupported expression node %T", e)
	}
}

func leafRuntimeValue(row *Row, params map[string]any, rl resolvedLeaf) any {
	switch rl.kind {
	case leafField:
		v, ok := row.effective(rl.field)
		if !ok {
			return nil
		}
		return v.lookup
	case leafJSONPath:
		text, _ := row.currentJSONText(rl.fieldDef)
		s, ok := text.(string)
		if !ok || s == "" {
			return nil
		}
		var decoded any
		if err := row.entity.mgr.jsonCodec.Decode([]byte(s), &decoded); err != nil {
			return nil
		}
		return navigateJSONPath(decoded, rl.path)
	case leafParam:
		return params[rl.param]
	default: // leafConst
		return rl.value
	}
}

func navigateJSONPath(v any, path []string) any {
	cur := v
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func compareValues(l, r any, op string) bool {
	if l == nil || r == nil {
		if op == "=" {
			return l == nil && r == nil
		}
		return false
	}
	if lf, ok := toFloat(l); ok {
		if rf, ok2 := toFloat(r); ok2 {
			switch op {
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			case "=":
				return lf == rf
			case "~=":
				return likeMatch(fmt.Sprintf("%v", l), fmt.Sprintf("%v", r))
			}
		}
	}
	ls, rs := fmt.Sprintf("%v", l), fmt.Sprintf("%v", r)
	switch op {
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case "=":
		return ls == rs
	case "~=":
		return likeMatch(ls, rs)
	}
	return false
}

// likeMatch gives the in-memory predicate side an equivalent of SQL LIKE's
// '%'/'_' wildcards, matched case-sensitively for simplicity.
func likeMatch(value, pattern string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return value == pattern
	}
	return re.MatchString(value)
}

// compilePredicate emits spec §4.7's second evaluator: a closure over
// (row, params) using the row's raw accessor.
func compilePredicate(entity *Entity, e Expr) (func(row *Row, params map[string]any) bool, error) {
	switch n := e.(type) {
	case *AggregateExpr:
		preds := make([]func(*Row, map[string]any) bool, 0, len(n.Children))
		for _, c := range n.Children {
			p, err := compilePredicate(entity, c)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		if n.Op == "any" {
			return func(row *Row, params map[string]any) bool {
				for _, p := range preds {
					if p(row, params) {
						return true
					}
				}
				return false
			}, nil
		}
		return func(row *Row, params map[string]any) bool {
			for _, p := range preds {
				if !p(row, params) {
					return false
				}
			}
			return true
		}, nil
	case *UnaryExpr:
		rl, err := resolveLeaf(entity, n.Operand)
		if err != nil {
			return nil, err
		}
		isNull := n.Op == "is_null"
		return func(row *Row, params map[string]any) bool {
			v := leafRuntimeValue(row, params, rl)
			if isNull {
				return v == nil
			}
			return v != nil
		}, nil
	case *BinaryExpr:
		l, err := resolveLeaf(entity, n.Left)
		if err != nil {
			return nil, err
		}
		r, err := resolveLeaf(entity, n.Right)
		if err != nil {
			return nil, err
		}
		op := n.Op
		return func(row *Row, params map[string]any) bool {
			return compareValues(leafRuntimeValue(row, params, l), leafRuntimeValue(row, params, r), op)
		}, nil
	default:
		return nil, schemaErrorf("unsupported expression node %T", e)
	}
}

// Query is spec.md §6's query object: callable with an optional parameter
// map, exposing the compiled SQL and a Test method over the predicate.
type Query struct {
	entity    *Entity
	expr      Expr
	sqlText   string
	constants map[string]any
	predicate func(row *Row, params map[string]any) bool
}

func (q *Query) SQL() string { return q.sqlText }

// Test exposes spec §6's `test(row, params) -> bool`.
func (q *Query) Test(row *Row, params map[string]any) bool {
	return q.predicate(row, params)
}

// Query compiles args (Expr values and/or the string convenience form)
// into a Query, implicitly wrapping multiple top-level arguments in `all`
// (spec §4.7).
func (e *Entity) Query(args ...any) (*Query, error) {
	exprs := make([]Expr, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case Expr:
			exprs = append(exprs, v)
		case string:
			parsed, err := ParseExprString(v)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, parsed)
		default:
			return nil, schemaErrorf("query argument must be an Expr or string, got %T", a)
		}
	}
	var root Expr
	switch len(exprs) {
	case 0:
		root = All()
	case 1:
		root = exprs[0]
	default:
		root = All(exprs...)
	}
	consts := make(map[string]any)
	counter := 0
	sqlText, err := compileSQL(e, root, consts, &counter)
	if err != nil {
		return nil, err
	}
	pred, err := compilePredicate(e, root)
	if err != nil {
		return nil, err
	}
	return &Query{entity: e, expr: root, sqlText: sqlText, constants: consts, predicate: pred}, nil
}

// Run executes the query against the driver and merges in dirty in-memory
// rows (spec §4.7's execution steps, §8 invariant 6).
func (q *Query) Run(params map[string]any) ([]*Row, error) {
	mgr := q.entity.mgr
	if mgr.txDepth > 0 {
		return nil, stateErrorf("cannot run a query while a transaction is active")
	}
	full := make(map[string]any, len(params)+len(q.constants))
	for k, v := range params {
		full[strings.ToLower(strings.TrimPrefix(k, ":"))] = v
	}
	for k, v := range q.constants {
		full[k] = v
	}

	selectSQL := q.entity.buildSelectSQL(q.sqlText)
	iter, err := mgr.conn.Query(selectSQL, full)
	if err != nil {
		return nil, err
	}
	results := make([]*Row, 0)
	seen := make(map[int64]bool)
	for iter.Next() {
		vals, err := iter.Values()
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		row, err := q.entity.materializeRow(vals)
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		if !seen[row.rowid] {
			seen[row.rowid] = true
			results = append(results, row)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	for row := range q.entity.dirty {
		if row.deleted {
			continue
		}
		matches := q.predicate(row, full)
		alreadyIn := row.rowid != 0 && seen[row.rowid]
		switch {
		case matches && !alreadyIn:
			results = append(results, row)
			if row.rowid != 0 {
				seen[row.rowid] = true
			}
		case !matches && alreadyIn:
			for i, r := range results {
				if r == row {
					results = append(results[:i], results[i+1:]...)
					break
				}
			}
		}
	}
	return results, nil
}

// queryByField is the single-equality helper behind virtual fkey
// navigation (spec §4.4). It binds value as a constant rather than a named
// parameter, since parameter names beginning with "_" are reserved for
// compileSQL's auto-named constants.
func (e *Entity) queryByField(field string, value any) ([]*Row, error) {
	q, err := e.Query(Eq(Field(field), Const(value)))
	if err != nil {
		return nil, err
	}
	return q.Run(nil)
}
