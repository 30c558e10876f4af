// Package cause translates 1x link-layer return causes into the cause
// vocabulary carried on messages to the access stratum.
package cause

import (
	"fmt"
	"strings"
)

// LowLevel is the return cause recorded in the call control block.
type LowLevel uint8

const (
	LowNormalAccess LowLevel = iota
	LowSystemNotAcquired
	LowProtocolMismatch
	LowRegistrationReject
	LowWrongSID
	LowWrongNID
)

// Protocol is the return cause understood by the access-stratum peer.
type Protocol uint8

const (
	ProtocolNormalAccess Protocol = iota
	ProtocolSystemNotAcquired
	ProtocolMismatch
	ProtocolRegistrationRejection
	ProtocolWrongSID
	ProtocolWrongNID
)

// DefaultProtocol is the bucket for low-level values with no explicit mapping.
const DefaultProtocol = ProtocolNormalAccess

var table = map[LowLevel]Protocol{
	LowNormalAccess:       ProtocolNormalAccess,
	LowSystemNotAcquired:  ProtocolSystemNotAcquired,
	LowProtocolMismatch:   ProtocolMismatch,
	LowRegistrationReject: ProtocolRegistrationRejection,
	LowWrongSID:           ProtocolWrongSID,
	LowWrongNID:           ProtocolWrongNID,
}

var lowNames = map[LowLevel]string{
	LowNormalAccess:       "normal_access",
	LowSystemNotAcquired:  "system_not_acquired",
	LowProtocolMismatch:   "protocol_mismatch",
	LowRegistrationReject: "registration_reject",
	LowWrongSID:           "wrong_sid",
	LowWrongNID:           "wrong_nid",
}

var protocolNames = map[Protocol]string{
	ProtocolNormalAccess:          "normal_access",
	ProtocolSystemNotAcquired:     "system_not_acquired",
	ProtocolMismatch:              "protocol_mismatch",
	ProtocolRegistrationRejection: "registration_rejection",
	ProtocolWrongSID:              "wrong_sid",
	ProtocolWrongNID:              "wrong_nid",
}

// Translate maps a low-level cause onto the protocol cause. It is total:
// unmapped values land in DefaultProtocol.
func Translate(c LowLevel) Protocol {
	if p, ok := table[c]; ok {
		return p
	}
	return DefaultProtocol
}

// LowLevelDomain lists every low-level cause with an explicit mapping.
func LowLevelDomain() []LowLevel {
	return []LowLevel{
		LowNormalAccess,
		LowSystemNotAcquired,
		LowProtocolMismatch,
		LowRegistrationReject,
		LowWrongSID,
		LowWrongNID,
	}
}

func (c LowLevel) String() string {
	if n, ok := lowNames[c]; ok {
		return n
	}
	return fmt.Sprintf("low_level(%d)", uint8(c))
}

func (p Protocol) String() string {
	if n, ok := protocolNames[p]; ok {
		return n
	}
	return fmt.Sprintf("protocol(%d)", uint8(p))
}

// ParseLowLevel accepts the names produced by LowLevel.String.
func ParseLowLevel(raw string) (LowLevel, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	for c, name := range lowNames {
		if name == key {
			return c, nil
		}
	}
	return 0, fmt.Errorf("cause: unknown low-level cause %q", raw)
}

func (c LowLevel) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *LowLevel) UnmarshalText(b []byte) error {
	v, err := ParseLowLevel(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
