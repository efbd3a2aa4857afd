package protocol

import (
	"encoding/json"
	"testing"
)

func TestCanonicalJSON_KeyOrderIndependent(t *testing.T) {
	var a, b any
	if err := json.Unmarshal([]byte(`{"b":1,"a":{"z":true,"y":[1,2]}}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"a":{"y":[1,2],"z":true},"b":1}`), &b); err != nil {
		t.Fatal(err)
	}

	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != string(cb) {
		t.Errorf("encodings differ:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalJSON_SortsAtEveryDepth(t *testing.T) {
	var v any
	if err := json.Unmarshal([]byte(`{"z":{"b":2,"a":1},"a":0}`), &v); err != nil {
		t.Fatal(err)
	}
	got, err := CanonicalJSON(v)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":0,"z":{"a":1,"b":2}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSON_ArrayOrderPreserved(t *testing.T) {
	got, err := CanonicalJSON([]any{3, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `[3,1,2]` {
		t.Errorf("got %s", got)
	}
}

func TestCanonicalJSON_Struct(t *testing.T) {
	type payload struct {
		Zed   string `json:"zed"`
		Alpha int    `json:"alpha"`
	}
	got, err := CanonicalJSON(payload{Zed: "z", Alpha: 1})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"alpha":1,"zed":"z"}` {
		t.Errorf("got %s", got)
	}
}

func TestTurnAckStageRank(t *testing.T) {
	tests := []struct {
		stage TurnAckStage
		want  int
	}{
		{StageAccepted, 0},
		{StageDispatched, 1},
		{StageStarted, 2},
		{TurnAckStage("bogus"), -1},
	}
	for _, tt := range tests {
		if got := tt.stage.Rank(); got != tt.want {
			t.Errorf("Rank(%q) = %d, want %d", tt.stage, got, tt.want)
		}
	}

	// Monotonic: each stage outranks the previous
	if !(StageAccepted.Rank() < StageDispatched.Rank() && StageDispatched.Rank() < StageStarted.Rank()) {
		t.Error("stage ranks are not strictly increasing")
	}
}

func TestCommandResult(t *testing.T) {
	msg := CommandResult("list_files", "R1", true, json.RawMessage(`{"files":[]}`), "")
	if msg.Type != ServerCommandResult {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.RequestID != "R1" || msg.Command != "list_files" {
		t.Errorf("correlation fields = %q, %q", msg.RequestID, msg.Command)
	}
	if msg.Success == nil || !*msg.Success {
		t.Error("success not set")
	}
	if msg.Ts == 0 {
		t.Error("timestamp missing")
	}

	failed := CommandResult("resume", "R2", false, nil, "session not found")
	if failed.Success == nil || *failed.Success {
		t.Error("failure not marked")
	}
	if failed.Error != "session not found" {
		t.Errorf("error = %q", failed.Error)
	}
}

func TestServerMessageRoundTrip(t *testing.T) {
	msg := ErrorMessage("sess_1", "agent exited", true)
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var decoded ServerMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != ServerError || decoded.SessionID != "sess_1" || !decoded.Fatal {
		t.Errorf("decoded = %+v", decoded)
	}
}
