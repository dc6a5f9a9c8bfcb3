// Package filter evaluates option-based filters against client requests.
package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/athena-dhcpd/athena-dhcp6d/internal/policy"
	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

// Operator is a comparison applied to an option value.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpStartsWith         Operator = "startsWith"
	OpEndsWith           Operator = "endsWith"
	OpContains           Operator = "contains"
	OpRegExp             Operator = "regExp"
	OpLessThan           Operator = "lessThan"
	OpLessThanOrEqual    Operator = "lessThanOrEqual"
	OpGreaterThan        Operator = "greaterThan"
	OpGreaterThanOrEqual Operator = "greaterThanOrEqual"
)

var operators = map[string]Operator{
	"equals":             OpEquals,
	"startswith":         OpStartsWith,
	"endswith":           OpEndsWith,
	"contains":           OpContains,
	"regexp":             OpRegExp,
	"lessthan":           OpLessThan,
	"lt":                 OpLessThan,
	"lessthanorequal":    OpLessThanOrEqual,
	"le":                 OpLessThanOrEqual,
	"greaterthan":        OpGreaterThan,
	"gt":                 OpGreaterThan,
	"greaterthanorequal": OpGreaterThanOrEqual,
	"ge":                 OpGreaterThanOrEqual,
}

// ParseOperator accepts operator names case-insensitively, including the short aliases.
func ParseOperator(s string) (Operator, error) {
	if op, ok := operators[strings.ToLower(strings.TrimSpace(s))]; ok {
		return op, nil
	}
	return "", fmt.Errorf("unknown filter operator %q", s)
}

func (op Operator) ordered() bool {
	switch op {
	case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual:
		return true
	}
	return false
}

// OptionSource exposes the options of a request for filter evaluation.
type OptionSource interface {
	Option(code dhcpv6.OptionCode) ([]byte, bool)
}

// Expression is one compiled condition on an option value.
type Expression struct {
	Code     dhcpv6.OptionCode
	Operator Operator
	Value    string

	kind    dhcpv6.Kind
	hex     bool
	operand string
	number  uint64
	numeric bool
	re      *regexp.Regexp
}

// NewExpression compiles an expression. Regular expressions are compiled here, once.
// A value starting with 0x is compared against the hex form of opaque data.
func NewExpression(code dhcpv6.OptionCode, op, value string) (*Expression, error) {
	operator, err := ParseOperator(op)
	if err != nil {
		return nil, err
	}
	e := &Expression{
		Code:     code,
		Operator: operator,
		Value:    value,
		kind:     dhcpv6.KindOf(code),
		operand:  value,
	}

	if h, ok := strings.CutPrefix(strings.ToLower(value), "0x"); ok && !e.kind.Ordinal() && operator != OpRegExp {
		e.hex = true
		e.operand = strings.ReplaceAll(h, ":", "")
	}

	if e.kind.Ordinal() {
		if n, err := strconv.ParseUint(value, 0, 64); err == nil {
			e.number = n
			e.numeric = true
		} else if operator.ordered() || operator == OpEquals {
			return nil, fmt.Errorf("option %d needs a numeric value, got %q", code, value)
		}
	}

	if operator == OpRegExp {
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, fmt.Errorf("compiling regexp %q: %w", value, err)
		}
		e.re = re
	}
	return e, nil
}

// Eval reports whether the expression holds for src. A missing or undecodable option fails.
func (e *Expression) Eval(src OptionSource) bool {
	data, ok := src.Option(e.Code)
	if !ok {
		return false
	}
	v, err := dhcpv6.DecodeValue(e.kind, data)
	if err != nil {
		return false
	}

	if e.kind.Ordinal() && e.numeric && (e.Operator == OpEquals || e.Operator.ordered()) {
		return compare(e.Operator, cmpUint(v.Number, e.number))
	}

	elems := v.Strings()
	if e.hex {
		elems = v.HexStrings()
	}
	for _, s := range elems {
		if e.matchString(s) {
			return true
		}
	}
	return false
}

func (e *Expression) matchString(s string) bool {
	switch e.Operator {
	case OpEquals:
		return s == e.operand
	case OpStartsWith:
		return strings.HasPrefix(s, e.operand)
	case OpEndsWith:
		return strings.HasSuffix(s, e.operand)
	case OpContains:
		return strings.Contains(s, e.operand)
	case OpRegExp:
		return e.re.MatchString(s)
	default:
		return compare(e.Operator, strings.Compare(s, e.operand))
	}
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compare(op Operator, c int) bool {
	switch op {
	case OpEquals:
		return c == 0
	case OpLessThan:
		return c < 0
	case OpLessThanOrEqual:
		return c <= 0
	case OpGreaterThan:
		return c > 0
	case OpGreaterThanOrEqual:
		return c >= 0
	}
	return false
}

func (e *Expression) String() string {
	return fmt.Sprintf("option %d %s %q", e.Code, e.Operator, e.Value)
}

// Filter is a named set of AND-ed expressions with the options and policies it applies.
type Filter struct {
	Name        string
	Expressions []*Expression
	Options     dhcpv6.OptionSet
	Policies    policy.Scope
}

// Matches reports whether every expression holds for src.
func (f *Filter) Matches(src OptionSource) bool {
	if f == nil {
		return false
	}
	for _, e := range f.Expressions {
		if !e.Eval(src) {
			return false
		}
	}
	return true
}

// Select returns the first filter, in configured order, that matches src.
func Select(src OptionSource, filters []*Filter) *Filter {
	for _, f := range filters {
		if f.Matches(src) {
			return f
		}
	}
	return nil
}
