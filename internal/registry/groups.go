package registry

import (
	"fmt"

	"github.com/unixabg/dosi/internal/auth"
)

// CreateGroup makes an empty group.
func (r *Registry) CreateGroup(a auth.Actor, rawName string) error {
	if err := authorize(a); err != nil {
		return err
	}
	name, err := normalizeGroup(rawName)
	if err != nil {
		return err
	}
	ok, err := r.exists(groupKey(name))
	if err != nil {
		return fmt.Errorf("create group %s: %w", name, err)
	}
	if ok {
		return fmt.Errorf("%w: group %s", ErrAlreadyExists, name)
	}
	if err := r.store.MkdirAll(groupKey(name)); err != nil {
		return fmt.Errorf("create group %s: %w", name, err)
	}
	r.record(a, "Group %s created.", name)
	return nil
}

// DeleteGroup removes a group and its script. It refuses while any device
// record remains, and removes nothing in that case.
func (r *Registry) DeleteGroup(a auth.Actor, rawName string) error {
	if err := authorize(a); err != nil {
		return err
	}
	name, err := normalizeGroup(rawName)
	if err != nil {
		return err
	}
	if err := r.requireGroup(name); err != nil {
		return err
	}
	ents, err := r.store.List(groupKey(name))
	if err != nil {
		return fmt.Errorf("delete group %s: %w", name, err)
	}
	for _, e := range ents {
		if e.Dir {
			r.record(a, "Refused to delete non-empty group %s.", name)
			return fmt.Errorf("%w: %s", ErrNotEmpty, name)
		}
	}
	if err := r.store.RemoveAll(groupKey(name)); err != nil {
		return fmt.Errorf("delete group %s: %w", name, err)
	}
	r.record(a, "Group %s deleted.", name)
	return nil
}

// SetProvisioningScript replaces the group's script. Every later check-in of a
// member device receives the new content.
func (r *Registry) SetProvisioningScript(a auth.Actor, rawName, content string) error {
	if err := authorize(a); err != nil {
		return err
	}
	name, err := normalizeGroup(rawName)
	if err != nil {
		return err
	}
	if err := r.requireGroup(name); err != nil {
		return err
	}
	if err := r.store.WriteFile(scriptKey(name), []byte(content)); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	r.record(a, "Provisioning script for %s updated (%d bytes).", name, len(content))
	return nil
}

// ProvisioningScript returns the group's script, or "" when none is set.
func (r *Registry) ProvisioningScript(a auth.Actor, rawName string) (string, error) {
	if err := authorize(a); err != nil {
		return "", err
	}
	name, err := normalizeGroup(rawName)
	if err != nil {
		return "", err
	}
	if err := r.requireGroup(name); err != nil {
		return "", err
	}
	return r.readScript(name)
}
