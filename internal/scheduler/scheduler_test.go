package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/registry"
	"github.com/unixabg/dosi/internal/treestore"
)

func TestAddRejectsBadSpecAndDuplicates(t *testing.T) {
	s := New(zerolog.Nop())
	if err := s.Add("bad", "not a schedule", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected invalid spec error")
	}
	if err := s.Add("flush", "@every 1m", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("flush", "@every 1m", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRunNowAndDisabledJob(t *testing.T) {
	s := New(zerolog.Nop())
	runs := 0
	boom := errors.New("boom")
	if err := s.Add("manual", "", func(context.Context) error { runs++; return boom }); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.RunNow("manual"); !errors.Is(err, boom) {
		t.Fatalf("RunNow err=%v", err)
	}
	if runs != 1 {
		t.Fatalf("runs=%d", runs)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Fatal("expected unknown job error")
	}
	if next := s.Jobs()["manual"]; !next.IsZero() {
		t.Fatalf("disabled job has next run %v", next)
	}
}

func TestStartSchedulesNextRun(t *testing.T) {
	s := New(zerolog.Nop())
	if err := s.Add("tick", "@every 1h", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()
	if next := s.Jobs()["tick"]; next.IsZero() {
		t.Fatal("expected next run after Start")
	}
}

func TestReconcileJobRepairsHalfAdoption(t *testing.T) {
	store, err := treestore.OpenDir(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.CheckIn(auth.Device("10.0.0.5"), "ab12"); err != nil {
		t.Fatal(err)
	}
	// a crash after mkdir, before the marker was moved
	if err := store.MkdirAll("adopted/lab/AB12"); err != nil {
		t.Fatal(err)
	}

	s := New(zerolog.Nop())
	if err := s.Add("reconcile", "", ReconcileJob(reg, zerolog.Nop())); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("reconcile"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	st, err := reg.Lookup(auth.System("test"), "AB12")
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != registry.PhaseAdopted || st.Device == nil || st.Device.Group != "lab" {
		t.Fatalf("unexpected state %+v", st)
	}
}
