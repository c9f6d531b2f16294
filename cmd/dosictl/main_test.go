package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/treestore"
)

type ctl struct {
	t    *testing.T
	args []string
}

func newCtl(t *testing.T) *ctl {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("DOSI_CONFIG", "")
	t.Setenv("DOSI_CREDENTIALS_PATH", filepath.Join(dir, "credentials.json"))
	return &ctl{t: t, args: []string{
		"--data-root", filepath.Join(dir, "data"),
		"--event-log", filepath.Join(dir, "server.log"),
	}}
}

func (c *ctl) run(stdin string, args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(append([]string{}, args...), c.args...))
	err := cmd.Execute()
	return out.String(), err
}

func (c *ctl) must(args ...string) string {
	c.t.Helper()
	out, err := c.run("", args...)
	if err != nil {
		c.t.Fatalf("dosictl %v: %v\n%s", args, err, out)
	}
	return out
}

func TestLifecycle(t *testing.T) {
	c := newCtl(t)
	if out := c.must("checkin", "x1"); !strings.Contains(out, "X1: NEW") {
		t.Fatalf("checkin: %s", out)
	}
	if out := c.must("pending"); !strings.Contains(out, "X1") {
		t.Fatalf("pending: %s", out)
	}
	c.must("adopt", "x1", "fleet-a")
	if _, err := c.run("echo provisioned\n", "script", "set", "fleet-a"); err != nil {
		t.Fatalf("script set: %v", err)
	}
	if out := c.must("script", "show", "fleet-a"); out != "echo provisioned\n" {
		t.Fatalf("script show: %q", out)
	}
	if out := c.must("checkin", "X1"); !strings.Contains(out, "X1: SCRIPT") || !strings.Contains(out, "echo provisioned") {
		t.Fatalf("adopted checkin: %s", out)
	}
	c.must("alias", "set", "X1", "fleet-a", "lobby")
	c.must("reboot", "X1", "fleet-a")

	out := c.must("show", "x1", "--json")
	var st struct {
		Phase  string
		Device struct {
			Group         string `json:"group"`
			Alias         string `json:"alias"`
			RebootPending bool   `json:"reboot_pending"`
		}
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("show json: %v\n%s", err, out)
	}
	if st.Phase != "ADOPTED" || st.Device.Group != "fleet-a" || st.Device.Alias != "lobby" || !st.Device.RebootPending {
		t.Fatalf("unexpected state %+v", st)
	}

	if _, err := c.run("", "group", "delete", "fleet-a"); err == nil {
		t.Fatal("deleting a non-empty group should fail")
	}
	c.must("move", "fleet-b", "X1")
	if out := c.must("devices", "fleet-b"); !strings.Contains(out, "X1") {
		t.Fatalf("devices: %s", out)
	}
	out, err := c.run("", "delete", "X1", "NOPE")
	if err == nil || !strings.Contains(out, "deleted X1") || !strings.Contains(out, "NOPE") {
		t.Fatalf("partial batch delete: err=%v out=%s", err, out)
	}
	c.must("group", "delete", "fleet-a")

	if out := c.must("logs", "-n", "100"); !strings.Contains(out, "new client detected: X1") {
		t.Fatalf("logs: %s", out)
	}
	if out := c.must("status", "--json"); !strings.Contains(out, `"pending": 0`) {
		t.Fatalf("status: %s", out)
	}
	if out := c.must("reconcile"); !strings.Contains(out, "consistent") {
		t.Fatalf("reconcile: %s", out)
	}
}

func TestPasswd(t *testing.T) {
	c := newCtl(t)
	if _, err := c.run("short\n", "passwd", "--password-stdin"); err == nil {
		t.Fatal("short password accepted")
	}
	out, err := c.run("correct horse\n", "passwd", "--password-stdin", "--user", "ops", "--totp")
	if err != nil {
		t.Fatalf("passwd: %v\n%s", err, out)
	}
	if !strings.Contains(out, "otpauth://totp/") {
		t.Fatalf("no enrolment uri in output: %s", out)
	}
	path := filepath.Join(os.Getenv("HOME"), "credentials.json")
	creds, err := auth.LoadCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	if creds.Username != "ops" || creds.TOTPSecret == "" || !auth.VerifyPassword(creds.PasswordHash, "correct horse") {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	if err := auth.NewAuthenticator(path).Authenticate("ops", "correct horse", ""); !errors.Is(err, auth.ErrTOTPRequired) {
		t.Fatalf("want totp required, got %v", err)
	}
}

func TestMigrateToSQLite(t *testing.T) {
	c := newCtl(t)
	c.must("checkin", "P1")
	c.must("checkin", "A1")
	c.must("adopt", "A1", "lab")

	dest := filepath.Join(t.TempDir(), "registry.db")
	if out := c.must("migrate", "--to", "sqlite", "--dest", dest); !strings.Contains(out, "copied 2 entries") {
		t.Fatalf("migrate: %s", out)
	}
	db, err := treestore.OpenSQLite(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Stat("adopted/lab/A1/serial_number.txt"); err != nil {
		t.Fatalf("record not migrated: %v", err)
	}
	if _, err := db.Stat("unknown/P1"); err != nil {
		t.Fatalf("marker not migrated: %v", err)
	}
}
