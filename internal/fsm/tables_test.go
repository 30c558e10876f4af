package fsm_test

import (
	"testing"

	"github.com/danmuck/cnasreg/internal/fsm"
	"github.com/danmuck/cnasreg/internal/protocol"
	"github.com/danmuck/cnasreg/internal/stack"
	"github.com/danmuck/cnasreg/internal/testutil/testlog"
)

func TestLookupIsolatedInEveryRegisteredTable(t *testing.T) {
	testlog.Start(t)
	reg, err := stack.Tables()
	if err != nil {
		t.Fatalf("tables: %v", err)
	}

	msgs := map[protocol.MsgName]bool{protocol.MsgTimerExpired: true}
	states := map[fsm.StateID]bool{fsm.AnyState: true}
	for _, m := range reg.Modules() {
		tbl, _ := reg.Table(m)
		for _, st := range tbl.States {
			states[st.ID] = true
			for _, e := range st.Entries {
				msgs[e.Msg] = true
			}
		}
	}

	for _, m := range reg.Modules() {
		tbl, ok := reg.Table(m)
		if !ok {
			t.Fatalf("module %s listed but not registered", m)
		}
		for id := range states {
			st, present := tbl.State(id)
			first := map[protocol.MsgName]fsm.Entry{}
			if present {
				for _, e := range st.Entries {
					if _, dup := first[e.Msg]; !dup {
						first[e.Msg] = e
					}
				}
			}
			for msg := range msgs {
				e, found := tbl.Lookup(id, msg)
				want, own := first[msg]
				if found != own {
					t.Fatalf("%s state %d msg %s: found=%v want=%v", m, id, msg, found, own)
				}
				if found && (e.Msg != msg || e.Next != want.Next) {
					t.Fatalf("%s state %d msg %s returned entry %s->%d, want %s->%d", m, id, msg, e.Msg, e.Next, want.Msg, want.Next)
				}
			}
		}
	}
}
