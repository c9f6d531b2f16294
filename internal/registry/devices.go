package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/treestore"
)

func isNotExist(err error) bool { return treestore.IsNotExist(err) }
func isExist(err error) bool    { return treestore.IsExist(err) }

// Adopt moves the unknown marker for rawID into group, creating the group if
// needed. The marker itself becomes the record's identity file.
func (r *Registry) Adopt(a auth.Actor, rawID, rawGroup string) error {
	if err := authorize(a); err != nil {
		return err
	}
	id, err := normalizeID(rawID)
	if err != nil {
		r.record(a, "CPU serial number not provided for adoption.")
		return err
	}
	group, err := normalizeGroup(rawGroup)
	if err != nil {
		return err
	}
	ok, err := r.exists(markerKey(id))
	if err != nil {
		return fmt.Errorf("adopt %s: %w", id, err)
	}
	if !ok {
		r.record(a, "Client %s not found in pending adoption list.", id)
		return fmt.Errorf("%w: no pending device %s", ErrNotFound, id)
	}
	if existing, adopted, err := r.findGroup(id); err != nil {
		return fmt.Errorf("adopt %s: %w", id, err)
	} else if adopted {
		return fmt.Errorf("%w: %s is already adopted in %s", ErrAlreadyExists, id, existing)
	}

	dev := deviceKey(group, id)
	// a directory without identity is the remains of an interrupted adoption
	if err := r.store.RemoveAll(dev); err != nil {
		return fmt.Errorf("adopt %s: %w", id, err)
	}
	if err := r.store.MkdirAll(dev); err != nil {
		return fmt.Errorf("adopt %s: %w", id, err)
	}
	ident := deviceFile(group, id, identityFile)
	if err := r.store.Rename(markerKey(id), ident); err != nil {
		// Reconcile may have completed the record from the same marker.
		done, serr := r.exists(ident)
		if serr != nil || !done {
			if serr == nil {
				_ = r.store.RemoveAll(dev)
			}
			return fmt.Errorf("adopt %s: %w", id, err)
		}
	}
	r.record(a, "Client %s adopted into %s.", id, group)
	r.logger.Debug().Str("device", id).Str("group", group).Msg("adopted")
	return nil
}

// DeletePending removes the unknown marker for rawID.
func (r *Registry) DeletePending(a auth.Actor, rawID string) error {
	if err := authorize(a); err != nil {
		return err
	}
	id, err := normalizeID(rawID)
	if err != nil {
		r.record(a, "CPU serial number not provided for deletion.")
		return err
	}
	if err := r.store.Remove(markerKey(id)); err != nil {
		if isNotExist(err) {
			r.record(a, "Client %s not found in pending adoption list for deletion.", id)
			return fmt.Errorf("%w: no pending device %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete pending %s: %w", id, err)
	}
	r.record(a, "Pending adoption entry for %s deleted.", id)
	return nil
}

// DeleteDevice removes an adopted record and everything stored with it.
func (r *Registry) DeleteDevice(a auth.Actor, rawID, rawGroup string) error {
	if err := authorize(a); err != nil {
		return err
	}
	id, group, err := normalizePair(rawID, rawGroup)
	if err != nil {
		return err
	}
	if err := r.requireDevice(group, id); err != nil {
		r.record(a, "Client %s not found in adopted clients list for deletion.", id)
		return err
	}
	if err := r.store.RemoveAll(deviceKey(group, id)); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	r.record(a, "Adopted entry for %s in %s deleted.", id, group)
	return nil
}

// RequestReboot flags the device; the flag is consumed by its next CheckIn.
func (r *Registry) RequestReboot(a auth.Actor, rawID, rawGroup string) error {
	if err := authorize(a); err != nil {
		return err
	}
	id, group, err := normalizePair(rawID, rawGroup)
	if err != nil {
		return err
	}
	if err := r.requireDevice(group, id); err != nil {
		return err
	}
	stamp := []byte(r.now().UTC().Format(time.RFC3339))
	if err := r.store.WriteFile(deviceFile(group, id, rebootFile), stamp); err != nil {
		return fmt.Errorf("reboot %s: %w", id, err)
	}
	r.record(a, "Reboot requested for %s in %s.", id, group)
	return nil
}

// SetAlias overwrites the alias. A blank alias removes it.
func (r *Registry) SetAlias(a auth.Actor, rawID, rawGroup, alias string) error {
	if err := authorize(a); err != nil {
		return err
	}
	id, group, err := normalizePair(rawID, rawGroup)
	if err != nil {
		return err
	}
	if err := r.requireDevice(group, id); err != nil {
		return err
	}
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return r.deleteAlias(a, group, id)
	}
	if err := r.store.WriteFile(deviceFile(group, id, aliasFile), []byte(alias)); err != nil {
		return fmt.Errorf("alias %s: %w", id, err)
	}
	r.record(a, "Alias for %s in %s set to %q.", id, group, alias)
	return nil
}

// DeleteAlias removes the alias; a device without one is left as is.
func (r *Registry) DeleteAlias(a auth.Actor, rawID, rawGroup string) error {
	if err := authorize(a); err != nil {
		return err
	}
	id, group, err := normalizePair(rawID, rawGroup)
	if err != nil {
		return err
	}
	if err := r.requireDevice(group, id); err != nil {
		return err
	}
	return r.deleteAlias(a, group, id)
}

func (r *Registry) deleteAlias(a auth.Actor, group, id string) error {
	if err := r.store.Remove(deviceFile(group, id, aliasFile)); err != nil && !isNotExist(err) {
		return fmt.Errorf("alias %s: %w", id, err)
	}
	r.record(a, "Alias for %s in %s deleted.", id, group)
	return nil
}

// Move transfers an adopted record between groups, creating the target group
// if needed. Moving into the current group is a no-op.
func (r *Registry) Move(a auth.Actor, rawID, rawFrom, rawTo string) error {
	if err := authorize(a); err != nil {
		return err
	}
	id, from, err := normalizePair(rawID, rawFrom)
	if err != nil {
		return err
	}
	to, err := normalizeGroup(rawTo)
	if err != nil {
		return err
	}
	return r.move(a, id, from, to)
}

func (r *Registry) move(a auth.Actor, id, from, to string) error {
	if err := r.requireDevice(from, id); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if err := r.store.MkdirAll(groupKey(to)); err != nil {
		return fmt.Errorf("move %s: %w", id, err)
	}
	if err := r.store.Rename(deviceKey(from, id), deviceKey(to, id)); err != nil {
		if isExist(err) {
			return fmt.Errorf("%w: %s already present in %s", ErrAlreadyExists, id, to)
		}
		return fmt.Errorf("move %s: %w", id, err)
	}
	r.record(a, "Client %s moved from %s to %s.", id, from, to)
	return nil
}

func normalizePair(rawID, rawGroup string) (string, string, error) {
	id, err := normalizeID(rawID)
	if err != nil {
		return "", "", err
	}
	group, err := normalizeGroup(rawGroup)
	if err != nil {
		return "", "", err
	}
	return id, group, nil
}
