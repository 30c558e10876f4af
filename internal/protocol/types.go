package protocol

import (
	"fmt"

	"github.com/danmuck/cnasreg/internal/protocol/schema"
)

// TaskID identifies a logical processing task.
type TaskID uint32

// ContextID identifies the execution context (CPU) a task runs on.
type ContextID uint32

const LocalContext ContextID = 0

const (
	TaskXREG  TaskID = 0x1A01
	TaskCASM  TaskID = 0x1A02
	TaskRRM   TaskID = 0x1A03
	TaskMSCC  TaskID = 0x1A04
	TaskTimer TaskID = 0x1AFF
)

var taskNames = map[TaskID]string{
	TaskXREG:  "xreg",
	TaskCASM:  "1xcasm",
	TaskRRM:   "rrm",
	TaskMSCC:  "mscc",
	TaskTimer: "timer",
}

func (t TaskID) String() string {
	if n, ok := taskNames[t]; ok {
		return n
	}
	return fmt.Sprintf("task(%#04x)", uint32(t))
}

// MsgName is the numeric message identifier.
type MsgName uint32

const (
	MsgCasEstReq            = MsgName(schema.MsgCasEstReq)
	MsgCasRegAbortReq       = MsgName(schema.MsgCasRegAbortReq)
	MsgCasSlotCycleIndexNtf = MsgName(schema.MsgCasSlotCycleIndexNtf)
	MsgCasSessionBeginNtf   = MsgName(schema.MsgCasSessionBeginNtf)
	MsgCasSessionEndNtf     = MsgName(schema.MsgCasSessionEndNtf)
	MsgCasEstCnf            = MsgName(schema.MsgCasEstCnf)
	MsgCasRegAbortCnf       = MsgName(schema.MsgCasRegAbortCnf)
	MsgRrmRegisterInd       = MsgName(schema.MsgRrmRegisterInd)
	MsgRrmDeregisterInd     = MsgName(schema.MsgRrmDeregisterInd)
	MsgXregRegReq           = MsgName(schema.MsgXregRegReq)
	MsgXregAbortReq         = MsgName(schema.MsgXregAbortReq)
	MsgXregSciChangeInd     = MsgName(schema.MsgXregSciChangeInd)
	MsgXregRegCnf           = MsgName(schema.MsgXregRegCnf)
	MsgTimerExpired         = MsgName(schema.MsgTimerExpired)
)

func (m MsgName) String() string {
	return schema.Name(uint32(m))
}

// PayloadLen is the exact payload size for m.
func (m MsgName) PayloadLen() (uint32, bool) {
	return schema.PayloadLen(uint32(m))
}

// Address is one (execution context, task) routing pair.
type Address struct {
	Ctx  ContextID
	Task TaskID
}

func Local(task TaskID) Address {
	return Address{Ctx: LocalContext, Task: task}
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%s", a.Ctx, a.Task)
}

// Envelope is the fixed header prepended to every inter-task message.
type Envelope struct {
	Sender   Address
	Receiver Address
	Name     MsgName
	Length   uint32
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s %s->%s len=%d", e.Name, e.Sender, e.Receiver, e.Length)
}

// Validate checks the envelope is routable and sized for its message name.
func (e Envelope) Validate() error {
	if e.Receiver.Task == 0 {
		return fmt.Errorf("%w: receiver task unresolved", ErrInvalidEnvelope)
	}
	want, ok := e.Name.PayloadLen()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, e.Name)
	}
	if e.Length != want {
		return fmt.Errorf("%w: %s length=%d want=%d", ErrInvalidEnvelope, e.Name, e.Length, want)
	}
	return nil
}

// RegType is the 1x registration type.
type RegType uint8

const (
	RegTimer RegType = iota
	RegPowerUp
	RegZone
	RegPowerDown
	RegParameterChange
	RegOrdered
	RegDistance
	RegUserZone
	RegEncryptionResync
)

var regTypeNames = []string{
	"timer", "power_up", "zone", "power_down", "parameter_change",
	"ordered", "distance", "user_zone", "encryption_resync",
}

func (r RegType) String() string {
	if int(r) < len(regTypeNames) {
		return regTypeNames[r]
	}
	return fmt.Sprintf("reg_type(%d)", uint8(r))
}

// ParseRegType accepts the names produced by RegType.String.
func ParseRegType(raw string) (RegType, error) {
	for i, n := range regTypeNames {
		if n == raw {
			return RegType(i), nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown registration type %q", raw)
}

// EstType is the establishment reason carried on an establishment request.
type EstType uint8

const EstTypeRegistration EstType = 1

// SessionType scopes a session-begin / session-end notification.
type SessionType uint8

const (
	SessionTypeRegistration SessionType = 1
	SessionTypeOther        SessionType = 2
)

// RrmTaskType names the resource-management activity being (de)registered.
type RrmTaskType uint16

const (
	RrmTaskRegistration RrmTaskType = 1
	RrmTaskPaging       RrmTaskType = 2
)

// RatType tags the air interface on resource-management indications.
type RatType uint32

const RatType1X RatType = 5

// ModemID identifies the modem instance that owns the task.
type ModemID uint16

// EstResult is the access-stratum answer to an establishment request.
type EstResult uint8

const (
	EstSuccess EstResult = iota
	EstFailure
	EstAccessFail
	EstNoService
)

var estResultNames = []string{"success", "failure", "access_fail", "no_service"}

func (r EstResult) String() string {
	if int(r) < len(estResultNames) {
		return estResultNames[r]
	}
	return fmt.Sprintf("est_result(%d)", uint8(r))
}

func ParseEstResult(raw string) (EstResult, error) {
	for i, n := range estResultNames {
		if n == raw {
			return EstResult(i), nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown establishment result %q", raw)
}

func (r EstResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *EstResult) UnmarshalText(b []byte) error {
	v, err := ParseEstResult(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// RegResult is reported back to the registration originator.
type RegResult uint8

const (
	RegSuccess RegResult = iota
	RegFailure
	RegAborted
	RegTimeout
)

var regResultNames = []string{"success", "failure", "aborted", "timeout"}

func (r RegResult) String() string {
	if int(r) < len(regResultNames) {
		return regResultNames[r]
	}
	return fmt.Sprintf("reg_result(%d)", uint8(r))
}

// TimerName identifies a protection timer.
type TimerName uint32
