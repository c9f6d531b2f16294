// Package registry tracks devices that phone home and their adoption into
// groups. All state lives in a treestore.Store laid out as
//
//	unknown/<ID>                          marker, content is a status phrase
//	adopted/<GROUP>/library.script        provisioning script
//	adopted/<GROUP>/<ID>/serial_number.txt identity (the moved marker)
//	adopted/<GROUP>/<ID>/alias.txt
//	adopted/<GROUP>/<ID>/phonehome        mtime is the last check-in
//	adopted/<GROUP>/<ID>/reboot           present while a reboot is pending
//
// Nothing is cached; every call re-reads the store.
package registry

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/treestore"
	"github.com/unixabg/dosi/internal/validate"
)

const (
	unknownDir    = "unknown"
	adoptedDir    = "adopted"
	identityFile  = "serial_number.txt"
	aliasFile     = "alias.txt"
	phoneHomeFile = "phonehome"
	rebootFile    = "reboot"
	scriptFile    = "library.script"

	// NewMarkerStatus is written into fresh unknown markers.
	NewMarkerStatus = "New client detected"
)

// Journal receives one line per state mutation.
type Journal interface {
	Record(addr, message string)
}

type nopJournal struct{}

func (nopJournal) Record(string, string) {}

// Registry is safe for concurrent use to the extent the underlying store is;
// it holds no mutable state of its own.
type Registry struct {
	store   treestore.Store
	journal Journal
	logger  zerolog.Logger
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithJournal sets the mutation log.
func WithJournal(j Journal) Option { return func(r *Registry) { r.journal = j } }

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l.With().Str("component", "registry").Logger() }
}

// WithClock overrides time.Now for check-in timestamps.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New prepares the top-level directories and returns a Registry over s.
func New(s treestore.Store, opts ...Option) (*Registry, error) {
	r := &Registry{store: s, journal: nopJournal{}, logger: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	for _, d := range []string{unknownDir, adoptedDir} {
		if err := s.MkdirAll(d); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", d, err)
		}
	}
	return r, nil
}

func (r *Registry) record(a auth.Actor, format string, args ...any) {
	r.journal.Record(a.Address(), fmt.Sprintf(format, args...))
}

func authorize(a auth.Actor) error {
	if !a.Authenticated {
		return ErrUnauthenticated
	}
	return nil
}

func normalizeID(raw string) (string, error) {
	id, err := validate.DeviceID(raw)
	if err != nil {
		return "", invalid(err)
	}
	return id, nil
}

func normalizeGroup(raw string) (string, error) {
	g, err := validate.GroupName(raw)
	if err != nil {
		return "", invalid(err)
	}
	return g, nil
}

func markerKey(id string) string            { return treestore.Join(unknownDir, id) }
func groupKey(group string) string          { return treestore.Join(adoptedDir, group) }
func scriptKey(group string) string         { return treestore.Join(adoptedDir, group, scriptFile) }
func deviceKey(group, id string) string     { return treestore.Join(adoptedDir, group, id) }
func deviceFile(group, id, f string) string { return treestore.Join(adoptedDir, group, id, f) }

// exists maps not-exist to false and passes every other store error through.
func (r *Registry) exists(key string) (bool, error) {
	_, err := r.store.Stat(key)
	if err == nil {
		return true, nil
	}
	if treestore.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (r *Registry) isAdopted(group, id string) (bool, error) {
	return r.exists(deviceFile(group, id, identityFile))
}

// groups lists group names in store order.
func (r *Registry) groups() ([]string, error) {
	ents, err := r.store.List(adoptedDir)
	if err != nil {
		if treestore.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.Dir {
			out = append(out, e.Name)
		}
	}
	return out, nil
}

// findGroup returns the first group (by name) holding an adopted record for id.
func (r *Registry) findGroup(id string) (string, bool, error) {
	groups, err := r.groups()
	if err != nil {
		return "", false, err
	}
	for _, g := range groups {
		ok, err := r.isAdopted(g, id)
		if err != nil {
			return "", false, err
		}
		if ok {
			return g, true, nil
		}
	}
	return "", false, nil
}

func (r *Registry) requireGroup(group string) error {
	ok, err := r.exists(groupKey(group))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: group %s", ErrNotFound, group)
	}
	return nil
}

func (r *Registry) requireDevice(group, id string) error {
	ok, err := r.isAdopted(group, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: device %s in group %s", ErrNotFound, id, group)
	}
	return nil
}
