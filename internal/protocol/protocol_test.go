package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestClientRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  ClientMessage
	}{
		{"authenticate", Authenticate{Token: "jwt-here"}},
		{"request_list", RequestDocumentList{}},
		{"request_snapshot", RequestSnapshot{DocID: "a-b-c"}},
		{"push_changes", PushChanges{DocID: "a-b-c", DeviceID: "dev1", Changes: [][]byte{{1, 2}, {3}}}},
		{"push_snapshot", PushSnapshot{DocID: "a-b-c", Filename: []byte{9}, Snapshot: []byte{8, 7}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeClient(tc.msg)
			if err != nil {
				t.Fatalf("EncodeClient() failed: %v", err)
			}
			got, err := DecodeClient(data)
			if err != nil {
				t.Fatalf("DecodeClient() failed: %v", err)
			}
			checkEqualJSON(t, tc.msg, got)
		})
	}
}

func TestServerRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  ServerMessage
	}{
		{"authenticated", Authenticated{Success: true}},
		{"document_list", DocumentList{Documents: []DocumentInfo{
			{DocID: "d1", Filename: []byte{1}, UpdatedAt: time.Unix(1700000000, 0).UTC()},
		}}},
		{"snapshot", Snapshot{DocID: "d1", Filename: []byte{1}, Snapshot: []byte{2, 3}}},
		{"new_changes", NewChanges{DocID: "d1", DeviceID: "other", Changes: [][]byte{{4}}}},
		{"request_compaction", RequestCompaction{DocID: "d1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeServer(tc.msg)
			if err != nil {
				t.Fatalf("EncodeServer() failed: %v", err)
			}
			got, err := DecodeServer(data)
			if err != nil {
				t.Fatalf("DecodeServer() failed: %v", err)
			}
			checkEqualJSON(t, tc.msg, got)
		})
	}
}

func TestTypeTagOnWire(t *testing.T) {
	data, err := EncodeClient(RequestSnapshot{DocID: "x"})
	if err != nil {
		t.Fatalf("EncodeClient() failed: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("wire bytes are not a JSON object: %v", err)
	}
	if raw["type"] != TypeRequestSnapshot {
		t.Errorf("type tag = %v, want %q", raw["type"], TypeRequestSnapshot)
	}
	if raw["doc_id"] != "x" {
		t.Errorf("doc_id = %v", raw["doc_id"])
	}
}

func TestBinaryFieldsAreBase64(t *testing.T) {
	data, err := EncodeClient(PushSnapshot{DocID: "d", Filename: []byte("hi"), Snapshot: []byte{0xDE, 0xAD}})
	if err != nil {
		t.Fatalf("EncodeClient() failed: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["filename"] != "aGk=" {
		t.Errorf("filename on the wire = %v, want base64 %q", raw["filename"], "aGk=")
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	if _, err := DecodeClient([]byte(`{"type":"Bogus"}`)); err == nil {
		t.Error("expected error for unknown client type")
	}
	if _, err := DecodeServer([]byte(`{"type":"Bogus"}`)); err == nil {
		t.Error("expected error for unknown server type")
	}
	if _, err := DecodeClient([]byte(`{"token":"no tag"}`)); err == nil {
		t.Error("expected error for a missing type tag")
	}
	if _, err := DecodeClient([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	// Newer peers may add fields; older ones must still parse the message.
	msg, err := DecodeServer([]byte(`{"type":"RequestCompaction","doc_id":"d9","hint":"soon"}`))
	if err != nil {
		t.Fatalf("DecodeServer() failed: %v", err)
	}
	rc, ok := msg.(RequestCompaction)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if rc.DocID != "d9" {
		t.Errorf("DocID = %q", rc.DocID)
	}
}

func checkEqualJSON(t *testing.T, want, got any) {
	t.Helper()
	w, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	g, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(w) != string(g) {
		t.Errorf("round trip mismatch:\n want %s\n got  %s", w, g)
	}
}
