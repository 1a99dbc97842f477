package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Subject is anything a condition can be evaluated against.
// *store.Observation satisfies it.
type Subject interface {
	Field(path string) (any, bool)
}

// Expr is a parsed condition. Evaluation never executes code from the
// definition; it only compares observation fields with literals.
type Expr interface {
	Eval(s Subject) bool
	String() string
}

// ─── Expression nodes ────────────────────────────────────────────────────────

// Op is a comparison operator.
type Op string

const (
	OpEq       Op = "=="
	OpNe       Op = "!="
	OpContains Op = "contains"
	OpMatches  Op = "matches"
	OpGt       Op = ">"
	OpGe       Op = ">="
	OpLt       Op = "<"
	OpLe       Op = "<="
	OpExists   Op = "exists"
	// OpTruthy is a bare field path: present, non-empty and non-zero.
	OpTruthy Op = "truthy"
)

// Comparison tests one field against a literal.
type Comparison struct {
	Field   string
	Op      Op
	Literal any
	re      *regexp.Regexp
}

// And is true when every child is true.
type And []Expr

// Or is true when any child is true.
type Or []Expr

// Not negates its child.
type Not struct{ X Expr }

func (a And) Eval(s Subject) bool {
	for _, e := range a {
		if !e.Eval(s) {
			return false
		}
	}
	return len(a) > 0
}

func (a And) String() string { return joinExprs(a, " and ") }

func (o Or) Eval(s Subject) bool {
	for _, e := range o {
		if e.Eval(s) {
			return true
		}
	}
	return false
}

func (o Or) String() string { return joinExprs(o, " or ") }

func (n Not) Eval(s Subject) bool { return !n.X.Eval(s) }

func (n Not) String() string { return "not (" + n.X.String() + ")" }

func joinExprs(es []Expr, sep string) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = "(" + e.String() + ")"
	}
	return strings.Join(parts, sep)
}

func (c *Comparison) String() string {
	switch c.Op {
	case OpTruthy:
		return c.Field
	case OpExists:
		return c.Field + " exists"
	}
	if s, ok := c.Literal.(string); ok {
		return fmt.Sprintf("%s %s %q", c.Field, c.Op, s)
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Literal)
}

// Eval applies the comparison. A missing field only satisfies "!=".
func (c *Comparison) Eval(s Subject) bool {
	v, ok := s.Field(c.Field)
	switch c.Op {
	case OpTruthy:
		return ok && truthy(v)
	case OpExists:
		return ok && v != nil && fmt.Sprint(v) != ""
	case OpNe:
		return !ok || !equal(v, c.Literal)
	}
	if !ok || v == nil {
		return false
	}

	switch c.Op {
	case OpEq:
		return equal(v, c.Literal)
	case OpContains:
		return strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(fmt.Sprint(c.Literal)))
	case OpMatches:
		return c.re != nil && c.re.MatchString(fmt.Sprint(v))
	case OpGt, OpGe, OpLt, OpLe:
		a, okA := toFloat(v)
		b, okB := toFloat(c.Literal)
		if !okA || !okB {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpGe:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

// equal compares a field value with a literal: booleans by truthiness,
// numbers numerically, everything else as exact strings.
func equal(v, lit any) bool {
	switch l := lit.(type) {
	case bool:
		return truthy(v) == l
	case int64, float64:
		a, okA := toFloat(v)
		b, _ := toFloat(l)
		return okA && a == b
	}
	return fmt.Sprint(v) == fmt.Sprint(lit)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// ─── Parser ──────────────────────────────────────────────────────────────────

// Parse compiles a condition string such as
//
//	tool_success == false and (tool_error contains "not found" or friction.retries >= 2)
func Parse(src string) (Expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected %q at position %d", p.peek().text, p.peek().pos)
	}
	return e, nil
}

// HasOperator reports whether s reads as a condition rather than a plain
// keyword. Scope inference uses it to decide how to treat an "if" clause.
func HasOperator(s string) bool {
	toks, err := tokenize(s)
	if err != nil {
		return false
	}
	for _, t := range toks {
		if t.kind == tokOp {
			return true
		}
		if t.kind == tokWord {
			switch strings.ToLower(t.text) {
			case "contains", "matches", "exists", "and", "or", "not":
				return true
			}
		}
	}
	return false
}

type tokKind int

const (
	tokWord tokKind = iota
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var out []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case r == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case r == '"' || r == '\'':
			start := i
			i++
			var b strings.Builder
			for i < len(rs) && rs[i] != r {
				if rs[i] == '\\' && i+1 < len(rs) {
					i++
				}
				b.WriteRune(rs[i])
				i++
			}
			if i >= len(rs) {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			i++
			out = append(out, token{tokString, b.String(), start})
		case strings.ContainsRune("=!<>", r):
			start := i
			op := string(r)
			if i+1 < len(rs) && rs[i+1] == '=' {
				op += "="
				i++
			}
			i++
			switch Op(op) {
			case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
			default:
				return nil, fmt.Errorf("unknown operator %q at position %d", op, start)
			}
			out = append(out, token{tokOp, op, start})
		default:
			start := i
			for i < len(rs) && !unicode.IsSpace(rs[i]) && !strings.ContainsRune(`()"'=!<>`, rs[i]) {
				i++
			}
			out = append(out, token{tokWord, string(rs[start:i]), start})
		}
	}
	return out, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.eof() {
		return token{pos: -1}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if !p.eof() && t.kind == tokWord && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	or := Or{left}
	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		or = append(or, right)
	}
	if len(or) == 1 {
		return left, nil
	}
	return or, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	and := And{left}
	for p.keyword("and") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		and = append(and, right)
	}
	if len(and) == 1 {
		return left, nil
	}
	return and, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.keyword("not") {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	}
	if !p.eof() && p.peek().kind == tokLParen {
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at position %d", t.pos)
		}
		return e, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of condition")
	}
	t := p.next()
	if t.kind != tokWord {
		return nil, fmt.Errorf("expected field path at position %d, got %q", t.pos, t.text)
	}
	c := &Comparison{Field: t.text}

	op := p.peek()
	switch {
	case p.eof() || op.kind == tokRParen:
		c.Op = OpTruthy
		return c, nil
	case op.kind == tokOp:
		p.next()
		c.Op = Op(op.text)
	case op.kind == tokWord && strings.EqualFold(op.text, "exists"):
		p.next()
		c.Op = OpExists
		return c, nil
	case op.kind == tokWord && (strings.EqualFold(op.text, "contains") || strings.EqualFold(op.text, "matches")):
		p.next()
		c.Op = Op(strings.ToLower(op.text))
	case op.kind == tokWord && (strings.EqualFold(op.text, "and") || strings.EqualFold(op.text, "or")):
		c.Op = OpTruthy
		return c, nil
	default:
		return nil, fmt.Errorf("expected operator after %q at position %d", c.Field, op.pos)
	}

	if p.eof() {
		return nil, fmt.Errorf("expected value after %s", c.Op)
	}
	lit := p.next()
	if lit.kind != tokWord && lit.kind != tokString {
		return nil, fmt.Errorf("expected value after %s at position %d", c.Op, lit.pos)
	}
	c.Literal = literal(lit)

	if c.Op == OpMatches {
		re, err := regexp.Compile("(?i)" + fmt.Sprint(c.Literal))
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", c.Literal, err)
		}
		c.re = re
	}
	return c, nil
}

// literal types an unquoted word: true/false, integers, floats; quoted
// strings and everything else stay strings.
func literal(t token) any {
	if t.kind == tokString {
		return t.text
	}
	switch strings.ToLower(t.text) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(t.text, 64); err == nil {
		return f
	}
	return t.text
}

// ─── YAML form ───────────────────────────────────────────────────────────────

// Condition is the YAML form of an expression: either a string, or a
// mapping with one of all:, any: (lists of conditions) or not:.
type Condition struct {
	Expr Expr
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	e, err := conditionFromNode(node)
	if err != nil {
		return err
	}
	c.Expr = e
	return nil
}

// MarshalYAML writes the expression back in string form.
func (c Condition) MarshalYAML() (any, error) {
	if c.Expr == nil {
		return "", nil
	}
	return c.Expr.String(), nil
}

func conditionFromNode(node *yaml.Node) (Expr, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		e, err := Parse(node.Value)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return e, nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return nil, fmt.Errorf("line %d: condition mapping needs exactly one of all, any, not", node.Line)
		}
		key, val := node.Content[0].Value, node.Content[1]
		switch key {
		case "all", "any":
			if val.Kind != yaml.SequenceNode || len(val.Content) == 0 {
				return nil, fmt.Errorf("line %d: %s needs a non-empty list", val.Line, key)
			}
			children := make([]Expr, 0, len(val.Content))
			for _, child := range val.Content {
				e, err := conditionFromNode(child)
				if err != nil {
					return nil, err
				}
				children = append(children, e)
			}
			if key == "all" {
				return And(children), nil
			}
			return Or(children), nil
		case "not":
			e, err := conditionFromNode(val)
			if err != nil {
				return nil, err
			}
			return Not{X: e}, nil
		}
		return nil, fmt.Errorf("line %d: unknown condition key %q", node.Line, key)
	}
	return nil, fmt.Errorf("line %d: condition must be a string or a mapping", node.Line)
}
