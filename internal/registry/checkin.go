package registry

import (
	"fmt"

	"github.com/unixabg/dosi/internal/auth"
)

// Outcome is what a check-in resolved to.
type Outcome string

const (
	OutcomeNew     Outcome = "NEW"
	OutcomePending Outcome = "PENDING"
	OutcomeScript  Outcome = "SCRIPT"
	OutcomeReboot  Outcome = "REBOOT"
)

// CheckInResult carries the outcome and, for adopted devices, the group and
// the provisioning script that applies to it.
type CheckInResult struct {
	DeviceID string
	Group    string
	Outcome  Outcome
	Script   string
}

// CheckIn handles a phone-home from a device. Adopted devices get their group
// script, or REBOOT once if a reboot was requested. Pending devices have their
// marker refreshed; unseen devices get a new marker.
func (r *Registry) CheckIn(a auth.Actor, rawID string) (CheckInResult, error) {
	id, err := normalizeID(rawID)
	if err != nil {
		r.record(a, "CPU serial number not provided or invalid.")
		return CheckInResult{}, err
	}
	now := r.now()

	group, adopted, err := r.findGroup(id)
	if err != nil {
		return CheckInResult{}, fmt.Errorf("check-in %s: %w", id, err)
	}
	if adopted {
		res := CheckInResult{DeviceID: id, Group: group}
		if err := r.store.Touch(deviceFile(group, id, phoneHomeFile), now); err != nil {
			return CheckInResult{}, fmt.Errorf("check-in %s: %w", id, err)
		}
		pending, err := r.exists(deviceFile(group, id, rebootFile))
		if err != nil {
			return CheckInResult{}, fmt.Errorf("check-in %s: %w", id, err)
		}
		if pending {
			if err := r.store.Remove(deviceFile(group, id, rebootFile)); err != nil && !isNotExist(err) {
				return CheckInResult{}, fmt.Errorf("check-in %s: %w", id, err)
			}
			r.record(a, "Operator says, known machine: %s in %s. Reboot delivered.", id, group)
			res.Outcome = OutcomeReboot
			return res, nil
		}
		script, err := r.readScript(group)
		if err != nil {
			return CheckInResult{}, fmt.Errorf("check-in %s: %w", id, err)
		}
		r.record(a, "Operator says, known machine: %s in %s", id, group)
		res.Outcome = OutcomeScript
		res.Script = script
		return res, nil
	}

	seen, err := r.exists(markerKey(id))
	if err != nil {
		return CheckInResult{}, fmt.Errorf("check-in %s: %w", id, err)
	}
	if seen {
		if err := r.store.Touch(markerKey(id), now); err != nil {
			return CheckInResult{}, fmt.Errorf("check-in %s: %w", id, err)
		}
		r.record(a, "Operator says, pending machine: %s", id)
		return CheckInResult{DeviceID: id, Outcome: OutcomePending}, nil
	}

	if err := r.store.WriteFile(markerKey(id), []byte(NewMarkerStatus)); err != nil {
		return CheckInResult{}, fmt.Errorf("check-in %s: %w", id, err)
	}
	if err := r.store.Touch(markerKey(id), now); err != nil {
		return CheckInResult{}, fmt.Errorf("check-in %s: %w", id, err)
	}
	r.record(a, "Operator says, new client detected: %s. File created.", id)
	return CheckInResult{DeviceID: id, Outcome: OutcomeNew}, nil
}

func (r *Registry) readScript(group string) (string, error) {
	b, err := r.store.ReadFile(scriptKey(group))
	if err != nil {
		if isNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(b), nil
}
