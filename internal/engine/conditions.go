package engine

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Conditional elements carry a small boolean expression over the variable
// mapping: comparisons (== != < <= > >=), membership (in), boolean operators
// (and/or/not, also && || !), parentheses, string/number/bool/null literals
// and dotted variable references. Undefined references evaluate to null so
// conditions can probe optional variables without failing the compile.

type condNode interface {
	eval(vars map[string]interface{}) (interface{}, error)
}

type litNode struct{ value interface{} }

type varNode struct{ path []string }

type notNode struct{ inner condNode }

type binNode struct {
	op    string
	left  condNode
	right condNode
}

func (n litNode) eval(map[string]interface{}) (interface{}, error) { return n.value, nil }

func (n varNode) eval(vars map[string]interface{}) (interface{}, error) {
	value, _ := lookupPath(vars, n.path)
	return value, nil
}

func (n notNode) eval(vars map[string]interface{}) (interface{}, error) {
	value, err := n.inner.eval(vars)
	if err != nil {
		return nil, err
	}
	return !truthy(value), nil
}

func (n binNode) eval(vars map[string]interface{}) (interface{}, error) {
	left, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "and":
		if !truthy(left) {
			return false, nil
		}
		right, err := n.right.eval(vars)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "or":
		if truthy(left) {
			return true, nil
		}
		right, err := n.right.eval(vars)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equalValues(left, right), nil
	case "!=":
		return !equalValues(left, right), nil
	case "in":
		return containsValue(left, right)
	default:
		cmp, err := compareValues(left, right)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		case ">=":
			return cmp >= 0, nil
		}
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

// evalCondition parses and evaluates a condition against the variables.
func evalCondition(condition string, vars map[string]interface{}) (bool, error) {
	node, err := parseCondition(condition)
	if err != nil {
		return false, err
	}
	value, err := node.eval(vars)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", condition, err)
	}
	return truthy(value), nil
}

// truthy follows JSON semantics: null and empty values are false.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func equalValues(a, b interface{}) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch ta := a.(type) {
	case nil:
		return b == nil
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	default:
		return false
	}
}

func compareValues(a, b interface{}) (int, error) {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), nil
		}
	}
	return 0, fmt.Errorf("cannot order %s and %s", typeName(a), typeName(b))
}

func containsValue(needle, haystack interface{}) (bool, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("left side of \"in\" must be a string when searching a string")
		}
		return strings.Contains(h, s), nil
	case []interface{}:
		for _, item := range h {
			if equalValues(needle, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]interface{}:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("left side of \"in\" must be a string when searching an object")
		}
		_, present := h[s]
		return present, nil
	default:
		return false, fmt.Errorf("right side of \"in\" must be a string, array or object, got %s", typeName(haystack))
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// lookupPath resolves a dotted reference through nested objects.
func lookupPath(vars map[string]interface{}, path []string) (interface{}, bool) {
	var current interface{} = vars
	for _, part := range path {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// --- parsing ---

type condToken struct {
	kind  string // ident, string, number, op, lparen, rparen, eof
	text  string
	value interface{}
	pos   int
}

type condParser struct {
	input  string
	tokens []condToken
	pos    int
}

// parseCondition builds the expression tree for a condition. It is also
// used on its own during validation to syntax-check conditions early.
func parseCondition(condition string) (condNode, error) {
	tokens, err := lexCondition(condition)
	if err != nil {
		return nil, err
	}
	p := &condParser{input: condition, tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != "eof" {
		return nil, fmt.Errorf("invalid condition %q: unexpected %q at offset %d", condition, tok.text, tok.pos)
	}
	return node, nil
}

func (p *condParser) peek() condToken { return p.tokens[p.pos] }

func (p *condParser) next() condToken {
	tok := p.tokens[p.pos]
	if tok.kind != "eof" {
		p.pos++
	}
	return tok
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == "op" && p.peek().text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == "op" && p.peek().text == "and" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseNot() (condNode, error) {
	if tok := p.peek(); tok.kind == "op" && tok.text == "not" {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (condNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	if tok.kind == "op" {
		switch tok.text {
		case "==", "!=", "<", "<=", ">", ">=", "in":
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			return binNode{op: tok.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *condParser) parseTerm() (condNode, error) {
	tok := p.next()
	switch tok.kind {
	case "lparen":
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != "rparen" {
			return nil, fmt.Errorf("invalid condition %q: missing closing parenthesis", p.input)
		}
		return node, nil
	case "string", "number":
		return litNode{value: tok.value}, nil
	case "ident":
		switch tok.text {
		case "true":
			return litNode{value: true}, nil
		case "false":
			return litNode{value: false}, nil
		case "null":
			return litNode{value: nil}, nil
		}
		return varNode{path: strings.Split(tok.text, ".")}, nil
	case "eof":
		return nil, fmt.Errorf("invalid condition %q: unexpected end of expression", p.input)
	default:
		return nil, fmt.Errorf("invalid condition %q: unexpected %q at offset %d", p.input, tok.text, tok.pos)
	}
}

func lexCondition(input string) ([]condToken, error) {
	var tokens []condToken
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, condToken{kind: "lparen", text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, condToken{kind: "rparen", text: ")", pos: i})
			i++
		case r == '\'' || r == '"':
			text, width, err := lexString(runes[i:], r)
			if err != nil {
				return nil, fmt.Errorf("invalid condition %q: %v", input, err)
			}
			tokens = append(tokens, condToken{kind: "string", text: text, value: text, pos: i})
			i += width
		case r == '=' || r == '!' || r == '<' || r == '>':
			op, width, err := lexOperator(runes[i:])
			if err != nil {
				return nil, fmt.Errorf("invalid condition %q: %v at offset %d", input, err, i)
			}
			tokens = append(tokens, condToken{kind: "op", text: op, pos: i})
			i += width
		case r == '&' || r == '|':
			if i+1 >= len(runes) || runes[i+1] != r {
				return nil, fmt.Errorf("invalid condition %q: unexpected %q at offset %d", input, string(r), i)
			}
			op := "and"
			if r == '|' {
				op = "or"
			}
			tokens = append(tokens, condToken{kind: "op", text: op, pos: i})
			i += 2
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			text := string(runes[start:i])
			value, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid condition %q: bad number %q", input, text)
			}
			tokens = append(tokens, condToken{kind: "number", text: text, value: value, pos: start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '.') {
				i++
			}
			text := string(runes[start:i])
			switch text {
			case "and", "or", "not", "in":
				tokens = append(tokens, condToken{kind: "op", text: text, pos: start})
			default:
				if strings.HasPrefix(text, ".") || strings.HasSuffix(text, ".") || strings.Contains(text, "..") {
					return nil, fmt.Errorf("invalid condition %q: malformed reference %q", input, text)
				}
				tokens = append(tokens, condToken{kind: "ident", text: text, pos: start})
			}
		default:
			return nil, fmt.Errorf("invalid condition %q: unexpected %q at offset %d", input, string(r), i)
		}
	}
	tokens = append(tokens, condToken{kind: "eof", pos: len(runes)})
	return tokens, nil
}

func lexString(runes []rune, quote rune) (string, int, error) {
	var sb strings.Builder
	i := 1
	for i < len(runes) {
		r := runes[i]
		if r == quote {
			return sb.String(), i + 1, nil
		}
		if r == '\\' && i+1 < len(runes) {
			i++
			r = runes[i]
		}
		sb.WriteRune(r)
		i++
	}
	return "", 0, fmt.Errorf("unterminated string literal")
}

func lexOperator(runes []rune) (string, int, error) {
	two := ""
	if len(runes) >= 2 {
		two = string(runes[:2])
	}
	switch two {
	case "==", "!=", "<=", ">=":
		return two, 2, nil
	}
	switch runes[0] {
	case '<':
		return "<", 1, nil
	case '>':
		return ">", 1, nil
	case '!':
		return "not", 1, nil
	}
	return "", 0, fmt.Errorf("incomplete operator %q", string(runes[0]))
}
