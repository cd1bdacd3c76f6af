package device

// Metadata is the local, unsynced state this process keeps about a
// device. It never replicates: trust and ownership are local decisions,
// and counter_position means different things locally and remotely.
//
// For the own device, CounterPosition is the monotonic write counter;
// for remote devices it is the highest counter observed from them.
// Either way it never decreases.
type Metadata struct {
	DeviceID        string
	IsTrusted       bool
	IsOwnDevice     bool
	CounterPosition int64

	// saved reports whether the metadata row exists in the database.
	// GetMetadata returns an unsaved shell for devices without one.
	saved bool
}

// Saved reports whether this metadata has been persisted.
func (m *Metadata) Saved() bool {
	return m.saved
}

// RegisteredPublicKey is a pre-authorization token: a public key the
// central authority has approved for a zone. It is consumed when a new
// device first presents that key during session creation.
type RegisteredPublicKey struct {
	PublicKey string
	ZoneID    string
}
