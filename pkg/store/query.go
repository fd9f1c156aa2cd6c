package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/srand/slicer/pkg/utils"
)

// Query is a boolean expression over slice record fields, e.g.
//
//	ex_id:1234 AND (state:error OR state:start)
//
// Terms are field:value pairs. AND binds tighter than OR.
type Query struct {
	root expr
	text string
}

type expr interface {
	match(r *SliceRecord) bool
	sql(args *[]interface{}) string
}

type termExpr struct {
	field string
	value string
}

type andExpr struct{ left, right expr }
type orExpr struct{ left, right expr }

var queryColumns = map[string]string{
	"ex_id":        "ex_id",
	"slice_id":     "slice_id",
	"slicer_id":    "slicer_id",
	"slicer_order": "slicer_order",
	"state":        "state",
}

func (t *termExpr) match(r *SliceRecord) bool {
	switch t.field {
	case "ex_id":
		return r.ExID == t.value
	case "slice_id":
		return r.SliceID == t.value
	case "slicer_id":
		return strconv.Itoa(r.SlicerID) == t.value
	case "slicer_order":
		return strconv.Itoa(r.SlicerOrder) == t.value
	case "state":
		return string(r.State) == t.value
	}
	return false
}

func (t *termExpr) sql(args *[]interface{}) string {
	*args = append(*args, t.value)
	return queryColumns[t.field] + " = ?"
}

func (e *andExpr) match(r *SliceRecord) bool {
	return e.left.match(r) && e.right.match(r)
}

func (e *andExpr) sql(args *[]interface{}) string {
	return "(" + e.left.sql(args) + " AND " + e.right.sql(args) + ")"
}

func (e *orExpr) match(r *SliceRecord) bool {
	return e.left.match(r) || e.right.match(r)
}

func (e *orExpr) sql(args *[]interface{}) string {
	return "(" + e.left.sql(args) + " OR " + e.right.sql(args) + ")"
}

// Parse a query string.
func ParseQuery(text string) (*Query, error) {
	p := &queryParser{tokens: tokenize(text)}
	if len(p.tokens) == 0 {
		return nil, utils.Wrap(utils.ErrBadRequest, "empty query")
	}

	root, err := p.parseOr()
	if err != nil {
		return nil, utils.Wrap(utils.ErrBadRequest, "invalid query %q: %v", text, err)
	}
	if p.pos != len(p.tokens) {
		return nil, utils.Wrap(utils.ErrBadRequest, "invalid query %q: unexpected %q", text, p.tokens[p.pos])
	}

	return &Query{root: root, text: text}, nil
}

// Query matching slices of an execution that did not complete,
// i.e. slices still in start state or in error state.
func UnfinishedQuery(exID string) *Query {
	q, err := ParseQuery(fmt.Sprintf("ex_id:%s AND (state:error OR state:start)", exID))
	if err != nil {
		panic(err)
	}
	return q
}

func (q *Query) Match(r *SliceRecord) bool {
	return q.root.match(r)
}

// SQL WHERE clause with positional arguments.
func (q *Query) SQL() (string, []interface{}) {
	args := []interface{}{}
	return q.root.sql(&args), args
}

func (q *Query) String() string {
	return q.text
}

func tokenize(text string) []string {
	text = strings.ReplaceAll(text, "(", " ( ")
	text = strings.ReplaceAll(text, ")", " ) ")
	return strings.Fields(text)
}

type queryParser struct {
	tokens []string
	pos    int
}

func (p *queryParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *queryParser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "OR" {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orExpr{left, right}
	}
	return left, nil
}

func (p *queryParser) parseAnd() (expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek() == "AND" {
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &andExpr{left, right}
	}
	return left, nil
}

func (p *queryParser) parseTerm() (expr, error) {
	token := p.peek()
	switch token {
	case "":
		return nil, fmt.Errorf("unexpected end of query")
	case "(":
		p.pos++
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return e, nil
	}

	field, value, ok := strings.Cut(token, ":")
	if !ok || value == "" {
		return nil, fmt.Errorf("expected field:value, got %q", token)
	}
	if _, ok := queryColumns[field]; !ok {
		return nil, fmt.Errorf("unknown field %q", field)
	}
	p.pos++
	return &termExpr{field: field, value: value}, nil
}
