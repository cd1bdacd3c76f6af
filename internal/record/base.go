package record

// Base carries the fields shared by every replicated record.
//
// The id is content-derived (UUIDv5 over the signer id and counter, or
// over the root namespace and public key for devices) and is serialized
// as the wire envelope's pk rather than as a field.
type Base struct {
	ID            string `json:"-"`
	Counter       int64  `json:"counter"`
	Signature     string `json:"signature"`
	SignedVersion int    `json:"signed_version"`
	SignedBy      string `json:"signed_by"`
	ZoneFallback  string `json:"zone_fallback,omitempty"`
	Deleted       bool   `json:"deleted"`
}

// GetBase returns the embedded base so generic code can reach the
// shared fields through the Model interface. (A method plainly named
// Base would be shadowed by the embedded field of the same name.)
func (b *Base) GetBase() *Base {
	return b
}

// baseHashableFields returns the signable base fields. signature and
// signed_by are excluded from every hash by definition.
func (b *Base) baseHashableFields() []Field {
	return []Field{
		{Name: "id", Value: b.ID},
		{Name: "counter", Value: b.Counter},
		{Name: "signed_version", Value: b.SignedVersion},
		{Name: "zone_fallback", Value: b.ZoneFallback},
		{Name: "deleted", Value: b.Deleted},
	}
}

// Field is a named record attribute presented to the canonical hasher.
type Field struct {
	Name  string
	Value any
}

// Reference names another record this record depends on. Imports check
// referenced records are present before committing; a miss quarantines
// the record until its dependency arrives.
type Reference struct {
	Model string
	ID    string
}

// Model is implemented by every replicated record type.
//
// HashableFields returns the record's signable fields in final canonical
// order - almost always via HashFieldList, which sorts names
// lexicographically and guarantees the always-included fields. Device is
// the one exception with a fixed explicit list.
type Model interface {
	// ModelTag returns the wire tag identifying the record class.
	ModelTag() string

	// GetBase returns the shared signed fields.
	GetBase() *Base

	// HashableFields returns the signable fields in canonical order.
	HashableFields() []Field

	// References lists records that must exist before this one commits.
	// Optional (empty-id) references are omitted by the implementation.
	References() []Reference
}

// intrinsicallyZoned is implemented by records that carry a zone
// directly (DeviceZone). Zone resolution consults it before falling back
// to the signer's zone.
type intrinsicallyZoned interface {
	IntrinsicZone() string
}
