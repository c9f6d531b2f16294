package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/registry"
)

type fakeFleet struct {
	pending []registry.PendingDevice
	groups  []registry.Group
	err     error
}

func (f fakeFleet) ListPending(auth.Actor) ([]registry.PendingDevice, error) { return f.pending, f.err }
func (f fakeFleet) ListGroups(auth.Actor) ([]registry.Group, error)          { return f.groups, f.err }

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rr.Code)
	}
	return rr.Body.String()
}

func TestFleetGauges(t *testing.T) {
	fleet := fakeFleet{
		pending: []registry.PendingDevice{{ID: "A"}, {ID: "B"}},
		groups:  []registry.Group{{Name: "fleet-a", Devices: 3}, {Name: "lab", Devices: 0}},
	}
	m := NewMetrics(fleet, "test", zerolog.Nop())
	m.CheckIn("NEW")
	m.CheckIn("NEW")
	m.Action("adopt", nil)
	m.Action("adopt", errors.New("boom"))
	m.Login("ok")
	m.ObserveHTTP(http.MethodGet, 200, 5*time.Millisecond)

	body := scrape(t, m)
	for _, want := range []string{
		"dosi_pending_devices 2",
		"dosi_groups 2",
		`dosi_adopted_devices{group="fleet-a"} 3`,
		`dosi_checkins_total{outcome="NEW"} 2`,
		`dosi_operator_actions_total{action="adopt",result="error"} 1`,
		`dosi_operator_actions_total{action="adopt",result="ok"} 1`,
		`dosi_logins_total{result="ok"} 1`,
		`dosi_build_info{version="test"} 1`,
		"dosi_fleet_scrape_errors 0",
		"dosi_http_request_duration_seconds_count",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestFleetScrapeError(t *testing.T) {
	m := NewMetrics(fakeFleet{err: errors.New("disk gone")}, "test", zerolog.Nop())
	body := scrape(t, m)
	if !strings.Contains(body, "dosi_fleet_scrape_errors 1") {
		t.Fatalf("expected scrape error gauge, got:\n%s", body)
	}
	if strings.Contains(body, "dosi_pending_devices ") {
		t.Fatal("pending gauge emitted despite error")
	}
}
