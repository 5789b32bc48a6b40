package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/a-essam23/livememo/pkg/ot"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/google/uuid"
)

func TestEncodeEnvelope(t *testing.T) {
	origin := uuid.New()
	frame, err := Encode(EventOpApplied, Applied(state.Applied{
		Operation: state.Operation{ID: "01HZ", Origin: origin, Change: ot.InsertAt(2, "hi")},
		Version:   8,
	}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		t.Fatalf("frame is not an object: %v", err)
	}
	if string(raw["event"]) != `"op.applied"` {
		t.Errorf("event = %s", raw["event"])
	}
	var p AppliedPayload
	if err := json.Unmarshal(raw["payload"], &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Version != 8 || p.Origin != origin || p.Change.Insert != "hi" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestEncodeWithoutPayload(t *testing.T) {
	frame := MustEncode(EventHeartbeat, nil)
	if string(frame) != `{"event":"heartbeat"}` {
		t.Errorf("frame = %s", frame)
	}
}

func TestDecode(t *testing.T) {
	m, err := Decode([]byte(`{"event":"op","payload":{"id":"x","baseVersion":3,"change":{"pos":1,"delete":2}}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var op OpPayload
	if err := json.Unmarshal(m.Payload, &op); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if op.BaseVersion != 3 || op.Change != ot.DeleteAt(1, 2) {
		t.Errorf("unexpected op %+v", op)
	}

	if _, err := Decode([]byte(`{"payload":{}}`)); err == nil {
		t.Errorf("expected error for missing event")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Errorf("expected error for invalid json")
	}
}

func TestRejected(t *testing.T) {
	p := Rejected("op-1", state.StaleConflict("range gone"))
	if p.Code != state.CodeStaleOperation || !p.Resync || p.ID != "op-1" {
		t.Errorf("unexpected payload %+v", p)
	}
	p = Rejected("", errors.New("boom"))
	if p.Code != state.CodeInternal || p.Resync {
		t.Errorf("unexpected payload %+v", p)
	}
}
