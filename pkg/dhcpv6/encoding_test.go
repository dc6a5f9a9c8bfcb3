package dhcpv6

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
)

func TestEncodeDecodeClientMessage(t *testing.T) {
	msg := &layers.DHCPv6{
		MsgType:       MessageTypeSolicit,
		TransactionID: []byte{0x01, 0x02, 0x03},
		Options: layers.DHCPv6Options{
			NewOption(OptionClientID, []byte{0x00, 0x03, 0x00, 0x01, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}),
			NewOption(OptionElapsedTime, Uint16ToBytes(0)),
		},
	}
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if raw[0] != byte(MessageTypeSolicit) {
		t.Errorf("msg-type byte = %d, want %d", raw[0], MessageTypeSolicit)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MsgType != MessageTypeSolicit {
		t.Errorf("MsgType = %v, want SOLICIT", got.MsgType)
	}
	if !bytes.Equal(got.TransactionID, msg.TransactionID) {
		t.Errorf("TransactionID = %x, want %x", got.TransactionID, msg.TransactionID)
	}
	cid, ok := GetOption(got.Options, OptionClientID)
	if !ok {
		t.Fatal("client-id missing after round trip")
	}
	if !bytes.Equal(cid.Data, msg.Options[0].Data) {
		t.Errorf("client-id = %x, want %x", cid.Data, msg.Options[0].Data)
	}
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	raw := []byte{byte(MessageTypeSolicit), 1, 2, 3, 0, 1, 0, 2, 0xab, 0xcd}
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	raw[8] = 0
	cid, _ := GetOption(msg.Options, OptionClientID)
	if cid.Data[0] != 0xab {
		t.Errorf("decoded option changed with input buffer: %x", cid.Data)
	}
}

func TestDecodeTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{1, 2}},
		{"short relay header", append([]byte{byte(MessageTypeRelayForward), 0}, make([]byte, 20)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrTruncated) {
				t.Errorf("Decode() error = %v, want ErrTruncated", err)
			}
		})
	}
}

func TestEncodeDecodeRelayMessage(t *testing.T) {
	inner := []byte{byte(MessageTypeSolicit), 9, 9, 9}
	msg := &layers.DHCPv6{
		MsgType:  MessageTypeRelayForward,
		HopCount: 1,
		LinkAddr: net.ParseIP("2001:db8:1::1"),
		PeerAddr: net.ParseIP("fe80::1"),
		Options:  layers.DHCPv6Options{NewOption(OptionRelayMessage, inner)},
	}
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.HopCount != 1 {
		t.Errorf("HopCount = %d, want 1", got.HopCount)
	}
	if a := AddrFromIP(got.LinkAddr); a != netip.MustParseAddr("2001:db8:1::1") {
		t.Errorf("LinkAddr = %s", a)
	}
	rm, ok := GetOption(got.Options, OptionRelayMessage)
	if !ok || !bytes.Equal(rm.Data, inner) {
		t.Errorf("relay message = %x, want %x", rm.Data, inner)
	}
}

func TestParseOptionsTruncated(t *testing.T) {
	if _, err := ParseOptions([]byte{0, 5, 0, 10, 1}); !errors.Is(err, ErrTruncated) {
		t.Errorf("ParseOptions() error = %v, want ErrTruncated", err)
	}
	if _, err := ParseOptions([]byte{0, 5}); !errors.Is(err, ErrTruncated) {
		t.Errorf("ParseOptions() error = %v, want ErrTruncated", err)
	}
}

func TestAppendParseOptions(t *testing.T) {
	b := AppendOptions(nil, NewOption(OptionPreference, []byte{255}), NewOption(OptionRapidCommit, nil))
	opts, err := ParseOptions(b)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if len(opts) != 2 {
		t.Fatalf("got %d options, want 2", len(opts))
	}
	if opts[0].Code != OptionPreference || opts[0].Data[0] != 255 {
		t.Errorf("first option = %v", opts[0])
	}
	if opts[1].Code != OptionRapidCommit || len(opts[1].Data) != 0 {
		t.Errorf("second option = %v", opts[1])
	}
}

func TestAddrList(t *testing.T) {
	addrs := []netip.Addr{netip.MustParseAddr("2001:db8::53"), netip.MustParseAddr("2001:db8::54")}
	b := AddrListToBytes(addrs)
	if len(b) != 32 {
		t.Fatalf("len = %d, want 32", len(b))
	}
	got, err := BytesToAddrList(b)
	if err != nil {
		t.Fatalf("BytesToAddrList: %v", err)
	}
	if got[0] != addrs[0] || got[1] != addrs[1] {
		t.Errorf("got %v, want %v", got, addrs)
	}
	if _, err := BytesToAddrList(b[:20]); err == nil {
		t.Error("expected error for partial address")
	}
}

func TestMessageName(t *testing.T) {
	tests := []struct {
		mt   MessageType
		want string
	}{
		{MessageTypeSolicit, "SOLICIT"},
		{MessageTypeInformationRequest, "INFORMATION-REQUEST"},
		{MessageTypeRelayForward, "RELAY-FORW"},
		{MessageType(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := MessageName(tt.mt); got != tt.want {
			t.Errorf("MessageName(%d) = %q, want %q", tt.mt, got, tt.want)
		}
	}
}

func TestBindingStateHolds(t *testing.T) {
	tests := []struct {
		s     BindingState
		live  bool
		holds bool
	}{
		{BindingAdvertised, true, true},
		{BindingCommitted, true, true},
		{BindingDeclined, false, true},
		{BindingReleased, false, false},
		{BindingExpired, false, false},
	}
	for _, tt := range tests {
		if tt.s.Live() != tt.live || tt.s.Holds() != tt.holds {
			t.Errorf("%s: Live=%v Holds=%v, want %v %v", tt.s, tt.s.Live(), tt.s.Holds(), tt.live, tt.holds)
		}
	}
}
