package filter

import (
	"testing"

	"github.com/athena-dhcpd/athena-dhcp6d/pkg/dhcpv6"
)

type fakeSource map[dhcpv6.OptionCode][]byte

func (f fakeSource) Option(code dhcpv6.OptionCode) ([]byte, bool) {
	b, ok := f[code]
	return b, ok
}

func mustExpr(t *testing.T, code dhcpv6.OptionCode, op, value string) *Expression {
	t.Helper()
	e, err := NewExpression(code, op, value)
	if err != nil {
		t.Fatalf("NewExpression(%d, %s, %q): %v", code, op, value, err)
	}
	return e
}

func vendorClass(t *testing.T, items ...string) []byte {
	t.Helper()
	v := dhcpv6.Value{Kind: dhcpv6.KindVendorClass, Enterprise: 9}
	for _, it := range items {
		v.Items = append(v.Items, []byte(it))
	}
	b, err := v.Encode()
	if err != nil {
		t.Fatalf("encoding vendor class: %v", err)
	}
	return b
}

func TestParseOperator(t *testing.T) {
	tests := []struct {
		in   string
		want Operator
	}{
		{"equals", OpEquals},
		{"startsWith", OpStartsWith},
		{"ENDSWITH", OpEndsWith},
		{"regexp", OpRegExp},
		{"lt", OpLessThan},
		{"le", OpLessThanOrEqual},
		{"gt", OpGreaterThan},
		{"ge", OpGreaterThanOrEqual},
		{"greaterThanOrEqual", OpGreaterThanOrEqual},
	}
	for _, tt := range tests {
		got, err := ParseOperator(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseOperator(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseOperator("like"); err == nil {
		t.Error("expected error for unknown operator")
	}
}

func TestStringOperators(t *testing.T) {
	src := fakeSource{
		dhcpv6.OptionVendorClass: vendorClass(t, "acme-phone-x100", "sip"),
		dhcpv6.OptionInterfaceID: []byte("ge-0/0/1.100"),
	}
	tests := []struct {
		code  dhcpv6.OptionCode
		op    string
		value string
		want  bool
	}{
		{dhcpv6.OptionVendorClass, "contains", "phone", true},
		{dhcpv6.OptionVendorClass, "equals", "sip", true},
		{dhcpv6.OptionVendorClass, "startsWith", "acme", true},
		{dhcpv6.OptionVendorClass, "endsWith", "x100", true},
		{dhcpv6.OptionVendorClass, "equals", "acme", false},
		{dhcpv6.OptionVendorClass, "regexp", `^acme-.*-x\d+$`, true},
		{dhcpv6.OptionInterfaceID, "startsWith", "ge-0/0/1", true},
		{dhcpv6.OptionInterfaceID, "endsWith", ".200", false},
		{dhcpv6.OptionInterfaceID, "equals", "0x67652d302f302f312e313030", true},
		{dhcpv6.OptionInterfaceID, "startsWith", "0x6765", true},
		{dhcpv6.OptionRemoteID, "contains", "x", false},
	}
	for _, tt := range tests {
		e := mustExpr(t, tt.code, tt.op, tt.value)
		if got := e.Eval(src); got != tt.want {
			t.Errorf("%s = %v, want %v", e, got, tt.want)
		}
	}
}

func TestOrdinalOperators(t *testing.T) {
	src := fakeSource{dhcpv6.OptionElapsedTime: dhcpv6.Uint16ToBytes(500)}
	tests := []struct {
		op    string
		value string
		want  bool
	}{
		{"equals", "500", true},
		{"lt", "1000", true},
		{"lt", "500", false},
		{"le", "500", true},
		{"gt", "99", true},
		{"ge", "501", false},
		{"greaterThan", "0x100", true},
	}
	for _, tt := range tests {
		e := mustExpr(t, dhcpv6.OptionElapsedTime, tt.op, tt.value)
		if got := e.Eval(src); got != tt.want {
			t.Errorf("%s = %v, want %v", e, got, tt.want)
		}
	}
}

func TestNewExpressionErrors(t *testing.T) {
	if _, err := NewExpression(dhcpv6.OptionVendorClass, "regexp", "("); err == nil {
		t.Error("expected error for bad regexp")
	}
	if _, err := NewExpression(dhcpv6.OptionElapsedTime, "gt", "soon"); err == nil {
		t.Error("expected error for non-numeric ordinal comparison")
	}
	if _, err := NewExpression(dhcpv6.OptionVendorClass, "near", "x"); err == nil {
		t.Error("expected error for unknown operator")
	}
}

func TestFilterAllExpressionsMustMatch(t *testing.T) {
	src := fakeSource{
		dhcpv6.OptionVendorClass: vendorClass(t, "acme-phone"),
		dhcpv6.OptionInterfaceID: []byte("port7"),
	}
	f := &Filter{Name: "phones", Expressions: []*Expression{
		mustExpr(t, dhcpv6.OptionVendorClass, "contains", "phone"),
		mustExpr(t, dhcpv6.OptionInterfaceID, "equals", "port7"),
	}}
	if !f.Matches(src) {
		t.Error("filter should match when all expressions hold")
	}
	f.Expressions = append(f.Expressions, mustExpr(t, dhcpv6.OptionUserClass, "contains", "x"))
	if f.Matches(src) {
		t.Error("filter should not match when an option is missing")
	}
}

func TestSelectFirstMatchWins(t *testing.T) {
	src := fakeSource{dhcpv6.OptionVendorClass: vendorClass(t, "acme-phone")}
	first := &Filter{Name: "first", Expressions: []*Expression{mustExpr(t, dhcpv6.OptionVendorClass, "contains", "acme")}}
	second := &Filter{Name: "second", Expressions: []*Expression{mustExpr(t, dhcpv6.OptionVendorClass, "contains", "phone")}}
	none := &Filter{Name: "none", Expressions: []*Expression{mustExpr(t, dhcpv6.OptionVendorClass, "contains", "printer")}}

	if got := Select(src, []*Filter{none, first, second}); got != first {
		t.Errorf("Select = %v, want first", got)
	}
	if got := Select(src, []*Filter{second, first}); got != second {
		t.Errorf("Select = %v, want second", got)
	}
	if got := Select(src, []*Filter{none}); got != nil {
		t.Errorf("Select = %v, want nil", got)
	}
}
