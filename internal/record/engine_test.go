package record

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/duocyber/fieldsync/internal/infrastructure/logging"
	"github.com/duocyber/fieldsync/internal/signing"
)

// fakeDirectory is an in-memory Directory for engine tests.
type fakeDirectory struct {
	mu       sync.Mutex
	own      *Device
	counter  int64
	keys     map[string]*rsa.PublicKey
	trusted  map[string]bool
	zones    map[string]string
	highSeen map[string]int64
}

func newFakeDirectory(own *Device, ownKey *rsa.PublicKey) *fakeDirectory {
	d := &fakeDirectory{
		own:      own,
		keys:     make(map[string]*rsa.PublicKey),
		trusted:  make(map[string]bool),
		zones:    make(map[string]string),
		highSeen: make(map[string]int64),
	}
	if own != nil {
		d.keys[own.ID] = ownKey
	}
	return d
}

func (d *fakeDirectory) OwnDevice(_ context.Context) (*Device, error) {
	if d.own == nil {
		return nil, errors.New("no own device")
	}
	return d.own, nil
}

func (d *fakeDirectory) IncrementAndGetCounter(_ context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counter++
	return d.counter, nil
}

func (d *fakeDirectory) SetCounterPosition(_ context.Context, deviceID string, counter int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if counter > d.highSeen[deviceID] {
		d.highSeen[deviceID] = counter
	}
	return nil
}

func (d *fakeDirectory) IsTrusted(_ context.Context, deviceID string) (bool, error) {
	return d.trusted[deviceID], nil
}

func (d *fakeDirectory) DevicePublicKey(_ context.Context, deviceID string) (*rsa.PublicKey, error) {
	key, ok := d.keys[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return key, nil
}

func (d *fakeDirectory) ZoneOf(_ context.Context, deviceID string) (string, error) {
	return d.zones[deviceID], nil
}

// testEngine builds an engine over an in-memory store with a bootstrapped
// own device.
func testEngine(t *testing.T) (*Engine, *fakeDirectory, *signing.Signer) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer := signing.NewSigner(key)

	pub, err := signing.SerializePublicKey(signer.PublicKey())
	if err != nil {
		t.Fatalf("serializing key: %v", err)
	}

	ns := RootNamespace("sync.example.org")
	own := &Device{
		Base:      Base{SignedVersion: 1},
		Name:      "test-device",
		PublicKey: pub,
	}
	own.ID = DeviceUUID(ns, pub)
	own.SignedBy = own.ID

	dir := newFakeDirectory(own, signer.PublicKey())
	store := newTestStore(t)
	engine := NewEngine(store, dir, signer, DefaultRegistry(), logging.Default())

	// The own-device record itself must be resolvable for imports.
	if err := store.Put(context.Background(), own); err != nil {
		t.Fatalf("storing own device: %v", err)
	}

	return engine, dir, signer
}

func TestRecordUUID(t *testing.T) {
	const signer = "00000000000000000000000000000001"

	id := RecordUUID(signer, 42)

	if again := RecordUUID(signer, 42); again != id {
		t.Errorf("RecordUUID() is not deterministic: %q vs %q", id, again)
	}

	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(id) {
		t.Errorf("RecordUUID() = %q, want 32 lowercase hex chars", id)
	}

	// Matches a by-hand UUIDv5 derivation over the signer namespace.
	ns, err := uuid.Parse(signer)
	if err != nil {
		t.Fatalf("parsing signer id: %v", err)
	}
	manual := uuid.NewSHA1(ns, []byte(strconv.Itoa(42)))
	if id != hex.EncodeToString(manual[:]) {
		t.Errorf("RecordUUID() = %q, want %q", id, hex.EncodeToString(manual[:]))
	}

	if RecordUUID(signer, 43) == id {
		t.Error("distinct counters produced the same id")
	}
	if RecordUUID("00000000000000000000000000000002", 42) == id {
		t.Error("distinct signers produced the same id")
	}
}

func TestEngine_SaveLocal(t *testing.T) {
	engine, dir, _ := testEngine(t)
	ctx := context.Background()

	u := &FacilityUser{
		Facility: "f1",
		Username: "alice",
		Password: "p5k2$hash",
	}

	if err := engine.SaveLocal(ctx, u); err != nil {
		t.Fatalf("SaveLocal() error = %v", err)
	}

	if u.Counter != 1 {
		t.Errorf("Counter = %d, want 1", u.Counter)
	}
	if u.SignedBy != dir.own.ID {
		t.Errorf("SignedBy = %q, want own device id", u.SignedBy)
	}
	if want := RecordUUID(dir.own.ID, 1); u.ID != want {
		t.Errorf("ID = %q, want derived %q", u.ID, want)
	}
	if u.Signature == "" {
		t.Error("record was not signed")
	}

	if !engine.Verify(ctx, u) {
		t.Error("Verify() = false for a locally-saved record")
	}

	// A second save yields the next counter.
	l := &SyncedLog{Category: "exercise"}
	if err := engine.SaveLocal(ctx, l); err != nil {
		t.Fatalf("second SaveLocal() error = %v", err)
	}
	if l.Counter != 2 {
		t.Errorf("second Counter = %d, want 2", l.Counter)
	}
}

func TestEngine_SaveLocal_CounterMonotonicity(t *testing.T) {
	engine, _, _ := testEngine(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	counters := make(chan int64, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := &SyncedLog{Category: "concurrent"}
			if err := engine.SaveLocal(ctx, l); err != nil {
				t.Errorf("SaveLocal() error = %v", err)
				return
			}
			counters <- l.Counter
		}()
	}
	wg.Wait()
	close(counters)

	seen := make(map[int64]bool)
	for c := range counters {
		if seen[c] {
			t.Errorf("duplicate counter %d", c)
		}
		seen[c] = true
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("missing counter %d", i)
		}
	}
}

func TestEngine_SaveImported(t *testing.T) {
	// Author on engine A, import on engine B which knows A's key.
	authorEngine, authorDir, authorSigner := testEngine(t)
	ctx := context.Background()

	f := &Facility{Name: "clinic"}
	if err := authorEngine.SaveLocal(ctx, f); err != nil {
		t.Fatalf("authoring facility: %v", err)
	}

	importEngine, importDir, _ := testEngine(t)
	importDir.keys[authorDir.own.ID] = authorSigner.PublicKey()

	imported := &Facility{
		Base: f.Base,
		Name: f.Name,
	}
	if err := importEngine.SaveImported(ctx, imported); err != nil {
		t.Fatalf("SaveImported() error = %v", err)
	}

	if importDir.highSeen[authorDir.own.ID] != f.Counter {
		t.Errorf("counter position = %d, want %d", importDir.highSeen[authorDir.own.ID], f.Counter)
	}

	got, err := importEngine.Store().Get(ctx, TagFacility, f.ID)
	if err != nil {
		t.Fatalf("fetching imported record: %v", err)
	}
	if got.(*Facility).Name != "clinic" {
		t.Errorf("imported name = %q", got.(*Facility).Name)
	}

	t.Run("reimport is idempotent", func(t *testing.T) {
		if err := importEngine.SaveImported(ctx, imported); err != nil {
			t.Fatalf("reimport error = %v", err)
		}
		records, err := importEngine.Store().ListByModel(ctx, TagFacility)
		if err != nil {
			t.Fatalf("listing: %v", err)
		}
		if len(records) != 1 {
			t.Errorf("record count after reimport = %d, want 1", len(records))
		}
	})
}

func TestEngine_SaveImported_ValidationFailures(t *testing.T) {
	authorEngine, authorDir, authorSigner := testEngine(t)
	ctx := context.Background()

	f := &Facility{Name: "clinic"}
	if err := authorEngine.SaveLocal(ctx, f); err != nil {
		t.Fatalf("authoring facility: %v", err)
	}

	t.Run("unsigned record", func(t *testing.T) {
		engine, _, _ := testEngine(t)
		bad := &Facility{Base: Base{ID: "x1", Counter: 1}, Name: "no signer"}
		err := engine.SaveImported(ctx, bad)
		if !errors.Is(err, ErrUnsignedImport) {
			t.Errorf("error = %v, want ErrUnsignedImport", err)
		}
		if !IsValidationError(err) {
			t.Error("unsigned import must be a validation error")
		}
	})

	t.Run("unknown signer", func(t *testing.T) {
		engine, _, _ := testEngine(t)
		// The importing engine does not know the author's device.
		err := engine.SaveImported(ctx, &Facility{Base: f.Base, Name: f.Name})
		if !errors.Is(err, ErrMissingForeignKey) {
			t.Errorf("error = %v, want ErrMissingForeignKey", err)
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		engine, dir, _ := testEngine(t)
		dir.keys[authorDir.own.ID] = authorSigner.PublicKey()
		tampered := &Facility{Base: f.Base, Name: "evil clinic"}
		err := engine.SaveImported(ctx, tampered)
		if !errors.Is(err, ErrSignatureMismatch) {
			t.Errorf("error = %v, want ErrSignatureMismatch", err)
		}
	})

	t.Run("missing reference quarantines", func(t *testing.T) {
		engine, dir, _ := testEngine(t)
		dir.keys[authorDir.own.ID] = authorSigner.PublicKey()

		user := &FacilityUser{Facility: f.ID, Username: "alice", Password: "p"}
		if err := authorEngine.SaveLocal(ctx, user); err != nil {
			t.Fatalf("authoring user: %v", err)
		}

		// Import the user before its facility: quarantine-class failure.
		err := engine.SaveImported(ctx, &FacilityUser{
			Base: user.Base, Facility: user.Facility,
			Username: user.Username, Password: user.Password,
		})
		if !errors.Is(err, ErrMissingForeignKey) {
			t.Errorf("error = %v, want ErrMissingForeignKey", err)
		}

		// Import the facility, then the user succeeds.
		if err := engine.SaveImported(ctx, &Facility{Base: f.Base, Name: f.Name}); err != nil {
			t.Fatalf("importing facility: %v", err)
		}
		if err := engine.SaveImported(ctx, &FacilityUser{
			Base: user.Base, Facility: user.Facility,
			Username: user.Username, Password: user.Password,
		}); err != nil {
			t.Errorf("importing user after facility: %v", err)
		}
	})
}

func TestEngine_TrustGate(t *testing.T) {
	engine, dir, _ := testEngine(t)
	ctx := context.Background()

	z := &Zone{Name: "north"}
	if err := engine.SaveLocal(ctx, z); err != nil {
		t.Fatalf("SaveLocal() error = %v", err)
	}

	// The own device is not trusted: the zone fails verification.
	if engine.Verify(ctx, z) {
		t.Error("Verify() = true for a zone signed by a non-trusted device")
	}

	// Marking the signer trusted admits it.
	dir.trusted[dir.own.ID] = true
	if !engine.Verify(ctx, z) {
		t.Error("Verify() = false for a zone signed by a trusted device")
	}

	t.Run("import rejects untrusted zone signer", func(t *testing.T) {
		importEngine, importDir, _ := testEngine(t)
		importDir.keys[dir.own.ID] = engine.signer.PublicKey()

		err := importEngine.SaveImported(ctx, &Zone{Base: z.Base, Name: z.Name})
		if !errors.Is(err, ErrUntrustedSigner) {
			t.Errorf("error = %v, want ErrUntrustedSigner", err)
		}

		importDir.trusted[dir.own.ID] = true
		if err := importEngine.SaveImported(ctx, &Zone{Base: z.Base, Name: z.Name}); err != nil {
			t.Errorf("import after trusting signer: %v", err)
		}
	})
}

func TestEngine_ResolveZone(t *testing.T) {
	engine, dir, _ := testEngine(t)
	ctx := context.Background()

	t.Run("intrinsic zone wins", func(t *testing.T) {
		dz := &DeviceZone{Base: Base{SignedBy: dir.own.ID}, Device: "d1", Zone: "zoneX"}
		zone, err := engine.ResolveZone(ctx, dz)
		if err != nil {
			t.Fatalf("ResolveZone() error = %v", err)
		}
		if zone != "zoneX" {
			t.Errorf("zone = %q, want zoneX", zone)
		}
	})

	t.Run("signer zone", func(t *testing.T) {
		dir.zones[dir.own.ID] = "zoneY"
		f := &Facility{Base: Base{SignedBy: dir.own.ID}, Name: "c"}
		zone, err := engine.ResolveZone(ctx, f)
		if err != nil {
			t.Fatalf("ResolveZone() error = %v", err)
		}
		if zone != "zoneY" {
			t.Errorf("zone = %q, want zoneY", zone)
		}
		delete(dir.zones, dir.own.ID)
	})

	t.Run("fallback only for trusted signer", func(t *testing.T) {
		f := &Facility{Base: Base{SignedBy: dir.own.ID, ZoneFallback: "zoneZ"}, Name: "c"}

		zone, err := engine.ResolveZone(ctx, f)
		if err != nil {
			t.Fatalf("ResolveZone() error = %v", err)
		}
		if zone != "" {
			t.Errorf("zone = %q, want none for untrusted fallback", zone)
		}

		dir.trusted[dir.own.ID] = true
		zone, err = engine.ResolveZone(ctx, f)
		if err != nil {
			t.Fatalf("ResolveZone() error = %v", err)
		}
		if zone != "zoneZ" {
			t.Errorf("zone = %q, want zoneZ", zone)
		}
	})
}

func TestEngine_VerifyNeverPanics(t *testing.T) {
	engine, _, _ := testEngine(t)
	ctx := context.Background()

	cases := []Model{
		&Facility{},
		&Facility{Base: Base{SignedBy: "unknown", Signature: "????not-base64"}},
		&Device{Base: Base{ID: "a", SignedBy: "b", Signature: "sig"}},
		&Device{Base: Base{ID: "a", SignedBy: "a", Signature: "sig"}, PublicKey: "garbage"},
	}

	for _, m := range cases {
		if engine.Verify(ctx, m) {
			t.Errorf("Verify(%T) = true for invalid record", m)
		}
	}
}
