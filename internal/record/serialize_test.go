package record

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSerializeDeserialize_RoundTrip(t *testing.T) {
	reg := DefaultRegistry()

	models := []Model{
		&Facility{
			Base: Base{ID: "f1", Counter: 1, Signature: "sigf", SignedVersion: 1, SignedBy: "dev1"},
			Name: "clinic",
		},
		&FacilityUser{
			Base:     Base{ID: "u1", Counter: 2, Signature: "sigu", SignedVersion: 1, SignedBy: "dev1"},
			Facility: "f1",
			Username: "alice",
			Password: "p5k2$hash",
		},
	}

	data, err := Serialize(models)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	parsed, err := Deserialize(reg, []byte(data))
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("Deserialize() returned %d records, want 2", len(parsed))
	}

	u, ok := parsed[1].(*FacilityUser)
	if !ok {
		t.Fatalf("second record is %T, want *FacilityUser", parsed[1])
	}
	if u.ID != "u1" {
		t.Errorf("ID = %q, want %q", u.ID, "u1")
	}
	if u.Username != "alice" {
		t.Errorf("Username = %q, want %q", u.Username, "alice")
	}
	if u.Signature != "sigu" {
		t.Errorf("Signature = %q, want preserved", u.Signature)
	}
	if u.SignedBy != "dev1" {
		t.Errorf("SignedBy = %q, want preserved", u.SignedBy)
	}
	if u.Counter != 2 {
		t.Errorf("Counter = %d, want 2", u.Counter)
	}
}

func TestSerialize_EnvelopeShape(t *testing.T) {
	data, err := Serialize([]Model{
		&Zone{Base: Base{ID: "z1", Counter: 1, SignedBy: "dev1"}, Name: "north"},
	})
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	var envelopes []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &envelopes); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("envelope count = %d, want 1", len(envelopes))
	}

	for _, key := range []string{"model", "pk", "fields"} {
		if _, ok := envelopes[0][key]; !ok {
			t.Errorf("envelope missing %q key: %s", key, data)
		}
	}

	// The pk travels in the envelope, not duplicated inside fields.
	if strings.Contains(string(envelopes[0]["fields"]), `"id"`) {
		t.Errorf("fields document duplicates the id: %s", envelopes[0]["fields"])
	}
}

func TestDeserialize_UnknownTag(t *testing.T) {
	reg := DefaultRegistry()

	_, err := Deserialize(reg, []byte(`[{"model":"mystery","pk":"x","fields":{}}]`))
	if err == nil {
		t.Fatal("Deserialize() expected error for unknown tag")
	}
}

func TestDeserialize_MalformedJSON(t *testing.T) {
	reg := DefaultRegistry()

	if _, err := Deserialize(reg, []byte(`{not json`)); err == nil {
		t.Error("Deserialize() expected error for malformed input")
	}
}

func TestSerializeOne_DeserializeOne(t *testing.T) {
	reg := DefaultRegistry()

	d := &Device{
		Base:      Base{ID: "dev1", SignedVersion: 1, Signature: "s", SignedBy: "dev1"},
		Name:      "laptop",
		PublicKey: "PEMKEY",
	}

	data, err := SerializeOne(d)
	if err != nil {
		t.Fatalf("SerializeOne() error = %v", err)
	}

	m, err := DeserializeOne(reg, data)
	if err != nil {
		t.Fatalf("DeserializeOne() error = %v", err)
	}

	got, ok := m.(*Device)
	if !ok {
		t.Fatalf("DeserializeOne() returned %T, want *Device", m)
	}
	if got.ID != "dev1" || got.PublicKey != "PEMKEY" {
		t.Errorf("device round trip mismatch: %+v", got)
	}
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(TagZone, func() Model { return &Zone{} }, Options{TrustRequired: true}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(TagZone, func() Model { return &Zone{} }, Options{}); err == nil {
		t.Error("Register() expected error for duplicate tag")
	}
	if err := reg.Register("wrong", func() Model { return &Zone{} }, Options{}); err == nil {
		t.Error("Register() expected error for factory/tag mismatch")
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()

	syncable := reg.SyncableTags()
	want := []string{TagFacility, TagFacilityGroup, TagFacilityUser, TagSyncedLog}
	if len(syncable) != len(want) {
		t.Fatalf("SyncableTags() = %v, want %v", syncable, want)
	}
	for i := range want {
		if syncable[i] != want[i] {
			t.Errorf("SyncableTags()[%d] = %q, want %q", i, syncable[i], want[i])
		}
	}

	if !reg.TrustRequired(TagZone) || !reg.TrustRequired(TagDeviceZone) {
		t.Error("zone records must be trust-required")
	}
	if reg.TrustRequired(TagFacility) {
		t.Error("facility records must not be trust-required")
	}

	if _, err := reg.New(TagDevice); err != nil {
		t.Errorf("New(device) error = %v", err)
	}
}
