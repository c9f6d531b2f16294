package registry

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/treestore"
)

type memJournal struct {
	mu    sync.Mutex
	lines []string
}

func (j *memJournal) Record(addr, msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, addr+" "+msg)
}

var (
	device   = auth.Device("10.0.0.7")
	operator = auth.Operator("admin", "10.0.0.2")
)

type fixture struct {
	reg     *Registry
	store   treestore.Store
	journal *memJournal
	clock   time.Time
}

func (f *fixture) tick() time.Time {
	f.clock = f.clock.Add(time.Minute)
	return f.clock
}

func newFixtures(t *testing.T) map[string]*fixture {
	t.Helper()
	dir, err := treestore.OpenDir(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := treestore.OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	out := map[string]*fixture{}
	for name, s := range map[string]treestore.Store{"dir": dir, "sqlite": db} {
		f := &fixture{store: s, journal: &memJournal{}, clock: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)}
		reg, err := New(s, WithJournal(f.journal), WithClock(f.tick))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		f.reg = reg
		out[name] = f
	}
	return out
}

func mustCheckIn(t *testing.T, r *Registry, id string) CheckInResult {
	t.Helper()
	res, err := r.CheckIn(device, id)
	if err != nil {
		t.Fatalf("check-in %s: %v", id, err)
	}
	return res
}

func TestScenarioFleetA(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			r := f.reg
			if res := mustCheckIn(t, r, "X1"); res.Outcome != OutcomeNew {
				t.Fatalf("first check-in: %+v", res)
			}
			if err := r.Adopt(operator, "x1", "fleet-a"); err != nil {
				t.Fatalf("adopt: %v", err)
			}
			if _, err := f.store.Stat("unknown/X1"); !treestore.IsNotExist(err) {
				t.Fatalf("marker should be consumed, stat err=%v", err)
			}
			res := mustCheckIn(t, r, "X1")
			if res.Outcome != OutcomeScript || res.Script != "" || res.Group != "fleet-a" {
				t.Fatalf("adopted check-in without script: %+v", res)
			}
			if err := r.SetProvisioningScript(operator, "fleet-a", "echo hi"); err != nil {
				t.Fatal(err)
			}
			if res := mustCheckIn(t, r, "X1"); res.Script != "echo hi" {
				t.Fatalf("script not delivered: %+v", res)
			}
			if err := r.RequestReboot(operator, "X1", "fleet-a"); err != nil {
				t.Fatal(err)
			}
			if res := mustCheckIn(t, r, "X1"); res.Outcome != OutcomeReboot {
				t.Fatalf("expected REBOOT, got %+v", res)
			}
			if res := mustCheckIn(t, r, "X1"); res.Outcome != OutcomeScript || res.Script != "echo hi" {
				t.Fatalf("reboot must be delivered once, got %+v", res)
			}
		})
	}
}

func TestCheckInIdempotent(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			var last time.Time
			for i := 0; i < 5; i++ {
				res := mustCheckIn(t, f.reg, "abc123")
				want := OutcomePending
				if i == 0 {
					want = OutcomeNew
				}
				if res.Outcome != want {
					t.Fatalf("call %d: got %s want %s", i, res.Outcome, want)
				}
				last = f.clock
			}
			pending, err := f.reg.ListPending(operator)
			if err != nil {
				t.Fatal(err)
			}
			if len(pending) != 1 || pending[0].ID != "ABC123" {
				t.Fatalf("expected a single marker, got %+v", pending)
			}
			if !pending[0].LastCheckIn.Equal(last) {
				t.Fatalf("marker not refreshed: %v want %v", pending[0].LastCheckIn, last)
			}
			if pending[0].Status != NewMarkerStatus {
				t.Fatalf("status %q", pending[0].Status)
			}
		})
	}
}

func TestCaseInsensitive(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			mustCheckIn(t, f.reg, "abc123")
			if res := mustCheckIn(t, f.reg, "ABC123"); res.Outcome != OutcomePending {
				t.Fatalf("upper-case id should see the same marker: %+v", res)
			}
			if err := f.reg.Adopt(operator, "Abc123", "lab"); err != nil {
				t.Fatal(err)
			}
			if err := f.reg.RequestReboot(operator, "abc123", "lab"); err != nil {
				t.Fatal(err)
			}
			if res := mustCheckIn(t, f.reg, "aBc123"); res.Outcome != OutcomeReboot {
				t.Fatalf("mixed case check-in: %+v", res)
			}
		})
	}
}

func TestAdoptedNeverReportsNewOrPending(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"D1", "D2", "D3"} {
				mustCheckIn(t, f.reg, id)
				if err := f.reg.Adopt(operator, id, "g"); err != nil {
					t.Fatal(err)
				}
				for i := 0; i < 3; i++ {
					res := mustCheckIn(t, f.reg, id)
					if res.Outcome == OutcomeNew || res.Outcome == OutcomePending {
						t.Fatalf("%s reported %s after adoption", id, res.Outcome)
					}
				}
			}
		})
	}
}

func TestCheckInInvalid(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"", "  ", "../../etc", "a/b"} {
				if _, err := f.reg.CheckIn(device, id); !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("id %q: expected ErrInvalidRequest, got %v", id, err)
				}
			}
		})
	}
}

func TestAdoptErrors(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			if err := f.reg.Adopt(operator, "NOPE", "g"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			mustCheckIn(t, f.reg, "Z9")
			if err := f.reg.Adopt(device, "Z9", "g"); !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
			if err := f.reg.Adopt(operator, "Z9", ""); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if err := f.reg.Adopt(operator, "Z9", "g"); err != nil {
				t.Fatal(err)
			}
			if err := f.reg.Adopt(operator, "Z9", "g"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second adopt: expected ErrNotFound, got %v", err)
			}
			st, err := f.reg.Lookup(operator, "z9")
			if err != nil || st.Phase != PhaseAdopted || st.Device.Group != "g" {
				t.Fatalf("lookup: %+v %v", st, err)
			}
		})
	}
}

func TestReservedGroupNames(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			mustCheckIn(t, f.reg, "R1")
			for _, g := range []string{"fleet.tmp", "fleet.lock"} {
				if err := f.reg.CreateGroup(operator, g); !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("create %s: expected ErrInvalidRequest, got %v", g, err)
				}
				if err := f.reg.Adopt(operator, "R1", g); !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("adopt into %s: expected ErrInvalidRequest, got %v", g, err)
				}
			}
			if st, _ := f.reg.Lookup(operator, "R1"); st.Phase != PhasePending {
				t.Fatalf("R1 should still be pending: %+v", st)
			}

			// records written before the name rules still resolve
			if err := f.store.WriteFile("adopted/legacy.tmp/R2/serial_number.txt", []byte("R2")); err != nil {
				t.Fatal(err)
			}
			res := mustCheckIn(t, f.reg, "R2")
			if res.Outcome != OutcomeScript || res.Group != "legacy.tmp" {
				t.Fatalf("check-in of record in legacy.tmp: %+v", res)
			}
			pending, _ := f.reg.ListPending(operator)
			if len(pending) != 1 || pending[0].ID != "R1" {
				t.Fatalf("pending: %+v", pending)
			}
		})
	}
}

func TestDeleteGroupNonEmpty(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			mustCheckIn(t, f.reg, "K1")
			if err := f.reg.Adopt(operator, "K1", "kiosks"); err != nil {
				t.Fatal(err)
			}
			if err := f.reg.SetProvisioningScript(operator, "kiosks", "setup.sh"); err != nil {
				t.Fatal(err)
			}
			err := f.reg.DeleteGroup(operator, "kiosks")
			if !errors.Is(err, ErrConflict) || !errors.Is(err, ErrNotEmpty) {
				t.Fatalf("expected ErrNotEmpty conflict, got %v", err)
			}
			script, err := f.reg.ProvisioningScript(operator, "kiosks")
			if err != nil || script != "setup.sh" {
				t.Fatalf("group partially deleted: %q %v", script, err)
			}
			if res := mustCheckIn(t, f.reg, "K1"); res.Script != "setup.sh" {
				t.Fatalf("device lost: %+v", res)
			}
			if err := f.reg.DeleteDevice(operator, "K1", "kiosks"); err != nil {
				t.Fatal(err)
			}
			if err := f.reg.DeleteGroup(operator, "kiosks"); err != nil {
				t.Fatalf("delete empty group: %v", err)
			}
			if err := f.reg.DeleteGroup(operator, "kiosks"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestCreateGroupConflict(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			if err := f.reg.CreateGroup(operator, "fleet-b"); err != nil {
				t.Fatal(err)
			}
			err := f.reg.CreateGroup(operator, "fleet-b")
			if !errors.Is(err, ErrAlreadyExists) || !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrAlreadyExists, got %v", err)
			}
			groups, err := f.reg.ListGroups(operator)
			if err != nil || len(groups) != 1 || groups[0].Devices != 0 || groups[0].HasScript {
				t.Fatalf("groups: %+v %v", groups, err)
			}
			if err := f.reg.SetProvisioningScript(operator, "missing", "x"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("script on missing group: %v", err)
			}
		})
	}
}

func TestAliasAndReboot(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			mustCheckIn(t, f.reg, "A1")
			if err := f.reg.Adopt(operator, "A1", "lab"); err != nil {
				t.Fatal(err)
			}
			if err := f.reg.SetAlias(operator, "a1", "lab", "front desk"); err != nil {
				t.Fatal(err)
			}
			if err := f.reg.SetAlias(operator, "A1", "lab", "back office"); err != nil {
				t.Fatal(err)
			}
			if err := f.reg.RequestReboot(operator, "A1", "lab"); err != nil {
				t.Fatal(err)
			}
			devs, err := f.reg.ListDevices(operator, "lab")
			if err != nil || len(devs) != 1 {
				t.Fatalf("devices: %+v %v", devs, err)
			}
			if devs[0].Alias != "back office" || !devs[0].RebootPending {
				t.Fatalf("unexpected record: %+v", devs[0])
			}
			if err := f.reg.DeleteAlias(operator, "A1", "lab"); err != nil {
				t.Fatal(err)
			}
			if err := f.reg.DeleteAlias(operator, "A1", "lab"); err != nil {
				t.Fatalf("deleting a missing alias: %v", err)
			}
			if err := f.reg.SetAlias(operator, "A1", "other", "x"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("alias in wrong group: %v", err)
			}
			if err := f.reg.RequestReboot(operator, "B2", "lab"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("reboot unknown: %v", err)
			}
			devs, _ = f.reg.ListDevices(operator, "lab")
			if devs[0].Alias != "" {
				t.Fatalf("alias not removed: %+v", devs[0])
			}
		})
	}
}

func TestBatchBestEffort(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"M1", "M2", "P1"} {
				mustCheckIn(t, f.reg, id)
			}
			_ = f.reg.Adopt(operator, "M1", "old")
			_ = f.reg.Adopt(operator, "M2", "old")

			rep, err := f.reg.BatchMove(operator, []string{"m1", "GHOST", "bad/id", "M2"}, "new")
			if err != nil {
				t.Fatalf("batch move: %v", err)
			}
			if strings.Join(rep.Done, ",") != "M1,M2" || len(rep.Failed) != 2 {
				t.Fatalf("move report: %+v", rep)
			}
			if !errors.Is(rep.Failed[0].Err, ErrNotFound) || !errors.Is(rep.Failed[1].Err, ErrInvalidRequest) {
				t.Fatalf("failure kinds: %+v", rep.Failed)
			}
			if res := mustCheckIn(t, f.reg, "M2"); res.Group != "new" {
				t.Fatalf("M2 not moved: %+v", res)
			}

			rep, err = f.reg.BatchDelete(operator, []string{"M1", "P1", "GHOST"})
			if err != nil {
				t.Fatalf("batch delete: %v", err)
			}
			if strings.Join(rep.Done, ",") != "M1,P1" || len(rep.Failed) != 1 || rep.Failed[0].DeviceID != "GHOST" {
				t.Fatalf("delete report: %+v", rep)
			}
			st, _ := f.reg.Lookup(operator, "P1")
			if st.Phase != PhaseUnseen {
				t.Fatalf("P1 should be unseen, got %s", st.Phase)
			}
			if res := mustCheckIn(t, f.reg, "M1"); res.Outcome != OutcomeNew {
				t.Fatalf("deleted device should start over: %+v", res)
			}
		})
	}
}

func TestMoveKeepsRecord(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			mustCheckIn(t, f.reg, "R1")
			_ = f.reg.Adopt(operator, "R1", "a")
			_ = f.reg.SetAlias(operator, "R1", "a", "rack 4")
			if err := f.reg.Move(operator, "R1", "a", "b"); err != nil {
				t.Fatal(err)
			}
			if err := f.reg.Move(operator, "R1", "b", "b"); err != nil {
				t.Fatalf("move into same group: %v", err)
			}
			devs, _ := f.reg.ListAdopted(operator)
			if len(devs) != 1 || devs[0].Group != "b" || devs[0].Alias != "rack 4" {
				t.Fatalf("after move: %+v", devs)
			}
		})
	}
}

// hookStore runs fn once, right after the first op on key.
type hookStore struct {
	treestore.Store
	op, key string
	fn      func()
}

func (h *hookStore) fire(op, key string) {
	if h.fn != nil && op == h.op && key == h.key {
		fn := h.fn
		h.fn = nil
		fn()
	}
}

func (h *hookStore) MkdirAll(key string) error {
	err := h.Store.MkdirAll(key)
	if err == nil {
		h.fire("mkdir", key)
	}
	return err
}

func (h *hookStore) Stat(key string) (treestore.Entry, error) {
	e, err := h.Store.Stat(key)
	h.fire("stat", key)
	return e, err
}

func TestAdoptInterleavedWithReconcile(t *testing.T) {
	sys := auth.System("test")
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			hs := &hookStore{Store: f.store}
			reg, err := New(hs, WithJournal(f.journal))
			if err != nil {
				t.Fatal(err)
			}

			// reconcile runs between Adopt creating the record and moving the marker in
			mustCheckIn(t, reg, "X1")
			var rep ReconcileReport
			hs.op, hs.key = "mkdir", "adopted/fleet-a/X1"
			hs.fn = func() {
				var rerr error
				if rep, rerr = reg.Reconcile(sys); rerr != nil {
					t.Errorf("reconcile: %v", rerr)
				}
			}
			if err := reg.Adopt(operator, "X1", "fleet-a"); err != nil {
				t.Fatalf("adopt: %v", err)
			}
			if rep.Completed != 1 {
				t.Fatalf("reconcile did not run in between: %+v", rep)
			}
			if res := mustCheckIn(t, reg, "X1"); res.Outcome != OutcomeScript || res.Group != "fleet-a" {
				t.Fatalf("X1 after adopt: %+v", res)
			}

			// Adopt moves the marker in after reconcile saw the empty record
			mustCheckIn(t, reg, "X2")
			if err := f.store.MkdirAll("adopted/fleet-a/X2"); err != nil {
				t.Fatal(err)
			}
			hs.op, hs.key = "stat", "unknown/X2"
			hs.fn = func() {
				if err := f.store.Rename("unknown/X2", "adopted/fleet-a/X2/serial_number.txt"); err != nil {
					t.Errorf("rename: %v", err)
				}
			}
			rep, err = reg.Reconcile(sys)
			if err != nil {
				t.Fatalf("reconcile losing the rename: %v", err)
			}
			if rep.Changed() {
				t.Fatalf("nothing to repair: %+v", rep)
			}

			// the marker is gone but Adopt finished before the discard
			if err := f.store.MkdirAll("adopted/fleet-a/X3"); err != nil {
				t.Fatal(err)
			}
			hs.op, hs.key = "stat", "unknown/X3"
			hs.fn = func() {
				if err := f.store.WriteFile("adopted/fleet-a/X3/serial_number.txt", []byte("X3")); err != nil {
					t.Errorf("write: %v", err)
				}
			}
			rep, err = reg.Reconcile(sys)
			if err != nil || rep.Discarded != 0 {
				t.Fatalf("adopted record discarded: %+v %v", rep, err)
			}

			for _, id := range []string{"X1", "X2", "X3"} {
				st, err := reg.Lookup(operator, id)
				if err != nil || st.Phase != PhaseAdopted || st.Device.Group != "fleet-a" {
					t.Fatalf("%s: %+v %v", id, st, err)
				}
			}
			if pending, _ := reg.ListPending(operator); len(pending) != 0 {
				t.Fatalf("markers left: %+v", pending)
			}
		})
	}
}

func TestReconcile(t *testing.T) {
	for name, f := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			s := f.store
			// adoption interrupted after the record directory was created
			mustCheckIn(t, f.reg, "C1")
			_ = s.MkdirAll("adopted/g/C1")
			// record directory with nothing to complete it from
			_ = s.MkdirAll("adopted/g/C2")
			// adopted in two groups, the copy in h was seen last
			_ = s.WriteFile("adopted/g/C3/serial_number.txt", []byte("x"))
			_ = s.WriteFile("adopted/h/C3/serial_number.txt", []byte("x"))
			_ = s.Touch("adopted/g/C3/phonehome", time.Unix(100, 0))
			_ = s.Touch("adopted/h/C3/phonehome", time.Unix(200, 0))
			// marker shadowed by an adopted record
			_ = s.WriteFile("adopted/g/C4/serial_number.txt", []byte("x"))
			_ = s.WriteFile("unknown/C4", []byte(NewMarkerStatus))

			if st, _ := f.reg.Lookup(operator, "C1"); st.Phase != PhasePending {
				t.Fatalf("half adopted device should still be pending: %s", st.Phase)
			}

			rep, err := f.reg.Reconcile(auth.System("test"))
			if err != nil {
				t.Fatal(err)
			}
			want := ReconcileReport{Completed: 1, Discarded: 1, Deduplicated: 1, Shadowed: 1}
			if rep != want {
				t.Fatalf("report %+v want %+v", rep, want)
			}
			if st, _ := f.reg.Lookup(operator, "C1"); st.Phase != PhaseAdopted {
				t.Fatalf("C1 not completed: %+v", st)
			}
			if st, _ := f.reg.Lookup(operator, "C2"); st.Phase != PhaseUnseen {
				t.Fatalf("C2 should be unseen: %+v", st)
			}
			if st, _ := f.reg.Lookup(operator, "C3"); st.Device == nil || st.Device.Group != "h" {
				t.Fatalf("C3 kept wrong copy: %+v", st)
			}
			if res := mustCheckIn(t, f.reg, "C4"); res.Outcome != OutcomeScript {
				t.Fatalf("C4: %+v", res)
			}
			pending, _ := f.reg.ListPending(operator)
			if len(pending) != 0 {
				t.Fatalf("markers left: %+v", pending)
			}

			again, err := f.reg.Reconcile(auth.System("test"))
			if err != nil || again.Changed() {
				t.Fatalf("second pass should be clean: %+v %v", again, err)
			}
		})
	}
}

func TestJournalRecordsMutations(t *testing.T) {
	f := newFixtures(t)["dir"]
	mustCheckIn(t, f.reg, "J1")
	_ = f.reg.Adopt(operator, "J1", "g")
	if len(f.journal.lines) != 2 {
		t.Fatalf("journal: %q", f.journal.lines)
	}
	if !strings.HasPrefix(f.journal.lines[0], "10.0.0.7 ") || !strings.Contains(f.journal.lines[0], "new client detected: J1") {
		t.Fatalf("check-in line: %q", f.journal.lines[0])
	}
	if !strings.HasPrefix(f.journal.lines[1], "10.0.0.2 Client J1 adopted into g.") {
		t.Fatalf("adopt line: %q", f.journal.lines[1])
	}
}
