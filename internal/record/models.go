package record

// Model tags used on the wire. These are frozen identifiers: peers match
// them when deserializing batches.
const (
	TagDevice        = "device"
	TagZone          = "zone"
	TagDeviceZone    = "devicezone"
	TagFacility      = "facility"
	TagFacilityGroup = "facilitygroup"
	TagFacilityUser  = "facilityuser"
	TagSyncedLog     = "syncedlog"
)

// Device is a replication participant. Devices are self-signed: the id
// derives from the public key, and signed_by equals id.
type Device struct {
	Base
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	PublicKey   string `json:"public_key"`
}

// ModelTag implements Model.
func (d *Device) ModelTag() string { return TagDevice }

// HashableFields implements Model.
//
// The device record hashes a fixed explicit list rather than the default
// sorted set: a device is self-referential, and its id is derived from
// its public key rather than from a counter.
func (d *Device) HashableFields() []Field {
	return []Field{
		{Name: "signed_version", Value: d.SignedVersion},
		{Name: "name", Value: d.Name},
		{Name: "description", Value: d.Description},
		{Name: "public_key", Value: d.PublicKey},
	}
}

// References implements Model. A device record stands alone.
func (d *Device) References() []Reference { return nil }

// Zone is a replication domain. Zone records require a trusted signer.
type Zone struct {
	Base
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModelTag implements Model.
func (z *Zone) ModelTag() string { return TagZone }

// HashableFields implements Model.
func (z *Zone) HashableFields() []Field {
	return HashFieldList(append(z.baseHashableFields(),
		Field{Name: "name", Value: z.Name},
		Field{Name: "description", Value: z.Description},
	))
}

// References implements Model.
func (z *Zone) References() []Reference { return nil }

// DeviceZone assigns a device to a zone. One zone per device at a time,
// enforced at the authority; the records require a trusted signer.
type DeviceZone struct {
	Base
	Device string `json:"device"`
	Zone   string `json:"zone"`
}

// ModelTag implements Model.
func (dz *DeviceZone) ModelTag() string { return TagDeviceZone }

// HashableFields implements Model.
func (dz *DeviceZone) HashableFields() []Field {
	return HashFieldList(append(dz.baseHashableFields(),
		Field{Name: "device", Value: dz.Device},
		Field{Name: "zone", Value: dz.Zone},
	))
}

// References implements Model.
func (dz *DeviceZone) References() []Reference {
	return []Reference{
		{Model: TagDevice, ID: dz.Device},
		{Model: TagZone, ID: dz.Zone},
	}
}

// IntrinsicZone marks the assignment's zone as the record's own zone.
func (dz *DeviceZone) IntrinsicZone() string { return dz.Zone }

// Facility is a physical site where users are enrolled.
type Facility struct {
	Base
	Name              string  `json:"name"`
	Description       string  `json:"description,omitempty"`
	Address           string  `json:"address,omitempty"`
	AddressNormalized string  `json:"address_normalized,omitempty"`
	Latitude          float64 `json:"latitude,omitempty"`
	Longitude         float64 `json:"longitude,omitempty"`
	Zoom              float64 `json:"zoom,omitempty"`
	ContactName       string  `json:"contact_name,omitempty"`
	ContactPhone      string  `json:"contact_phone,omitempty"`
	ContactEmail      string  `json:"contact_email,omitempty"`
	UserCount         int64   `json:"user_count,omitempty"`
}

// ModelTag implements Model.
func (f *Facility) ModelTag() string { return TagFacility }

// HashableFields implements Model.
func (f *Facility) HashableFields() []Field {
	return HashFieldList(append(f.baseHashableFields(),
		Field{Name: "name", Value: f.Name},
		Field{Name: "description", Value: f.Description},
		Field{Name: "address", Value: f.Address},
		Field{Name: "address_normalized", Value: f.AddressNormalized},
		Field{Name: "latitude", Value: f.Latitude},
		Field{Name: "longitude", Value: f.Longitude},
		Field{Name: "zoom", Value: f.Zoom},
		Field{Name: "contact_name", Value: f.ContactName},
		Field{Name: "contact_phone", Value: f.ContactPhone},
		Field{Name: "contact_email", Value: f.ContactEmail},
		Field{Name: "user_count", Value: f.UserCount},
	))
}

// References implements Model.
func (f *Facility) References() []Reference { return nil }

// FacilityGroup is a group or class within a facility.
type FacilityGroup struct {
	Base
	Facility string `json:"facility"`
	Name     string `json:"name"`
}

// ModelTag implements Model.
func (g *FacilityGroup) ModelTag() string { return TagFacilityGroup }

// HashableFields implements Model.
func (g *FacilityGroup) HashableFields() []Field {
	return HashFieldList(append(g.baseHashableFields(),
		Field{Name: "facility", Value: g.Facility},
		Field{Name: "name", Value: g.Name},
	))
}

// References implements Model.
func (g *FacilityGroup) References() []Reference {
	return []Reference{{Model: TagFacility, ID: g.Facility}}
}

// FacilityUser is an end user enrolled at a facility. The password is an
// opaque, pre-hashed credential that replicates as-is; this package never
// sees raw passwords.
type FacilityUser struct {
	Base
	Facility  string `json:"facility"`
	Group     string `json:"group,omitempty"`
	Username  string `json:"username"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsTeacher bool   `json:"is_teacher"`
	Notes     string `json:"notes,omitempty"`
	Password  string `json:"password"`
}

// ModelTag implements Model.
func (u *FacilityUser) ModelTag() string { return TagFacilityUser }

// HashableFields implements Model.
func (u *FacilityUser) HashableFields() []Field {
	return HashFieldList(append(u.baseHashableFields(),
		Field{Name: "facility", Value: u.Facility},
		Field{Name: "group", Value: u.Group},
		Field{Name: "username", Value: u.Username},
		Field{Name: "first_name", Value: u.FirstName},
		Field{Name: "last_name", Value: u.LastName},
		Field{Name: "is_teacher", Value: u.IsTeacher},
		Field{Name: "notes", Value: u.Notes},
		Field{Name: "password", Value: u.Password},
	))
}

// References implements Model. The group is optional.
func (u *FacilityUser) References() []Reference {
	refs := []Reference{{Model: TagFacility, ID: u.Facility}}
	if u.Group != "" {
		refs = append(refs, Reference{Model: TagFacilityGroup, ID: u.Group})
	}
	return refs
}

// SyncedLog is a replicated log entry (usage events, progress marks).
type SyncedLog struct {
	Base
	Category string `json:"category"`
	Value    string `json:"value,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ModelTag implements Model.
func (l *SyncedLog) ModelTag() string { return TagSyncedLog }

// HashableFields implements Model.
func (l *SyncedLog) HashableFields() []Field {
	return HashFieldList(append(l.baseHashableFields(),
		Field{Name: "category", Value: l.Category},
		Field{Name: "value", Value: l.Value},
		Field{Name: "data", Value: l.Data},
	))
}

// References implements Model.
func (l *SyncedLog) References() []Reference { return nil }
