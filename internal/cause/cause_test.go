package cause

import "testing"

func TestTranslateIsTotal(t *testing.T) {
	for v := 0; v <= 0xFF; v++ {
		p := Translate(LowLevel(v))
		if _, ok := protocolNames[p]; !ok {
			t.Fatalf("low-level %d translated to undefined protocol cause %d", v, p)
		}
	}
}

func TestTranslateKnownDomain(t *testing.T) {
	want := map[LowLevel]Protocol{
		LowNormalAccess:       ProtocolNormalAccess,
		LowSystemNotAcquired:  ProtocolSystemNotAcquired,
		LowProtocolMismatch:   ProtocolMismatch,
		LowRegistrationReject: ProtocolRegistrationRejection,
		LowWrongSID:           ProtocolWrongSID,
		LowWrongNID:           ProtocolWrongNID,
	}
	for _, c := range LowLevelDomain() {
		if got := Translate(c); got != want[c] {
			t.Fatalf("Translate(%s) = %s want %s", c, got, want[c])
		}
	}
	if got := Translate(LowLevel(200)); got != DefaultProtocol {
		t.Fatalf("unmapped cause got %s want default %s", got, DefaultProtocol)
	}
}

func TestParseLowLevelRoundTrip(t *testing.T) {
	for _, c := range LowLevelDomain() {
		got, err := ParseLowLevel(c.String())
		if err != nil || got != c {
			t.Fatalf("ParseLowLevel(%q) = %v,%v", c.String(), got, err)
		}
	}
	if _, err := ParseLowLevel("bogus"); err == nil {
		t.Fatalf("expected parse error")
	}
	if LowLevel(99).String() != "low_level(99)" {
		t.Fatalf("unexpected fallback name: %s", LowLevel(99))
	}
}

func TestLowLevelTextRoundTrip(t *testing.T) {
	raw, err := LowWrongNID.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got LowLevel
	if err := got.UnmarshalText(raw); err != nil || got != LowWrongNID {
		t.Fatalf("unmarshal %q: got=%v err=%v", raw, got, err)
	}
	if err := got.UnmarshalText([]byte("solar_flare")); err == nil {
		t.Fatalf("expected error for unknown name")
	}
}
