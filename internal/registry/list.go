package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/validate"
)

// Phase is the lifecycle position of a device identifier.
type Phase string

const (
	PhaseUnseen  Phase = "UNSEEN"
	PhasePending Phase = "PENDING"
	PhaseAdopted Phase = "ADOPTED"
)

// PendingDevice is an unknown marker.
type PendingDevice struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	LastCheckIn time.Time `json:"last_check_in"`
}

// Device is an adopted record.
type Device struct {
	ID            string    `json:"id"`
	Group         string    `json:"group"`
	Alias         string    `json:"alias,omitempty"`
	LastCheckIn   time.Time `json:"last_check_in,omitempty"`
	RebootPending bool      `json:"reboot_pending"`
}

// Group summarises one group.
type Group struct {
	Name      string `json:"name"`
	Devices   int    `json:"devices"`
	HasScript bool   `json:"has_script"`
}

// State is the answer to Lookup.
type State struct {
	ID      string         `json:"id"`
	Phase   Phase          `json:"phase"`
	Pending *PendingDevice `json:"pending,omitempty"`
	Device  *Device        `json:"device,omitempty"`
}

// Lookup reports where rawID currently is.
func (r *Registry) Lookup(a auth.Actor, rawID string) (State, error) {
	if err := authorize(a); err != nil {
		return State{}, err
	}
	id, err := normalizeID(rawID)
	if err != nil {
		return State{}, err
	}
	group, ok, err := r.findGroup(id)
	if err != nil {
		return State{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	if ok {
		d, err := r.device(group, id)
		if err != nil {
			return State{}, fmt.Errorf("lookup %s: %w", id, err)
		}
		return State{ID: id, Phase: PhaseAdopted, Device: &d}, nil
	}
	e, err := r.store.Stat(markerKey(id))
	if err != nil {
		if isNotExist(err) {
			return State{ID: id, Phase: PhaseUnseen}, nil
		}
		return State{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	p, err := r.pending(id, e.ModTime)
	if err != nil {
		return State{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	return State{ID: id, Phase: PhasePending, Pending: &p}, nil
}

func (r *Registry) pending(id string, mtime time.Time) (PendingDevice, error) {
	b, err := r.store.ReadFile(markerKey(id))
	if err != nil && !isNotExist(err) {
		return PendingDevice{}, err
	}
	return PendingDevice{ID: id, Status: strings.TrimSpace(string(b)), LastCheckIn: mtime}, nil
}

// ListPending returns unknown markers sorted by identifier.
func (r *Registry) ListPending(a auth.Actor) ([]PendingDevice, error) {
	if err := authorize(a); err != nil {
		return nil, err
	}
	ents, err := r.store.List(unknownDir)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]PendingDevice, 0, len(ents))
	for _, e := range ents {
		if e.Dir {
			continue
		}
		p, err := r.pending(e.Name, e.ModTime)
		if err != nil {
			return nil, fmt.Errorf("list pending: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ListGroups returns every group with its device count.
func (r *Registry) ListGroups(a auth.Actor) ([]Group, error) {
	if err := authorize(a); err != nil {
		return nil, err
	}
	names, err := r.groups()
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]Group, 0, len(names))
	for _, name := range names {
		ents, err := r.store.List(groupKey(name))
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("list groups: %w", err)
		}
		g := Group{Name: name}
		for _, e := range ents {
			switch {
			case e.Dir:
				g.Devices++
			case e.Name == scriptFile:
				g.HasScript = true
			}
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListDevices returns the adopted records of one group.
func (r *Registry) ListDevices(a auth.Actor, rawGroup string) ([]Device, error) {
	if err := authorize(a); err != nil {
		return nil, err
	}
	group, err := normalizeGroup(rawGroup)
	if err != nil {
		return nil, err
	}
	if err := r.requireGroup(group); err != nil {
		return nil, err
	}
	return r.devices(group)
}

// ListAdopted returns the adopted records of every group.
func (r *Registry) ListAdopted(a auth.Actor) ([]Device, error) {
	if err := authorize(a); err != nil {
		return nil, err
	}
	names, err := r.groups()
	if err != nil {
		return nil, fmt.Errorf("list adopted: %w", err)
	}
	var out []Device
	for _, g := range names {
		ds, err := r.devices(g)
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return out, nil
}

func (r *Registry) devices(group string) ([]Device, error) {
	ents, err := r.store.List(groupKey(group))
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", group, err)
	}
	var out []Device
	for _, e := range ents {
		if !e.Dir {
			continue
		}
		// skip leftovers of interrupted adoptions and foreign directories
		if id, err := validate.DeviceID(e.Name); err != nil || id != e.Name {
			continue
		}
		ok, err := r.isAdopted(group, e.Name)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", group, err)
		}
		if !ok {
			continue
		}
		d, err := r.device(group, e.Name)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", group, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Registry) device(group, id string) (Device, error) {
	d := Device{ID: id, Group: group}
	if b, err := r.store.ReadFile(deviceFile(group, id, aliasFile)); err == nil {
		d.Alias = strings.TrimSpace(string(b))
	} else if !isNotExist(err) {
		return Device{}, err
	}
	if e, err := r.store.Stat(deviceFile(group, id, phoneHomeFile)); err == nil {
		d.LastCheckIn = e.ModTime
	} else if !isNotExist(err) {
		return Device{}, err
	}
	pending, err := r.exists(deviceFile(group, id, rebootFile))
	if err != nil {
		return Device{}, err
	}
	d.RebootPending = pending
	return d, nil
}
