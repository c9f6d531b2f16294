package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/unixabg/dosi/internal/auth"
)

// ReconcileReport counts what Reconcile repaired.
type ReconcileReport struct {
	// Completed adoptions whose marker was still present next to an empty record directory.
	Completed int `json:"completed"`
	// Discarded record directories with neither identity nor marker; the device is UNSEEN again.
	Discarded int `json:"discarded"`
	// Deduplicated records removed because the device was adopted in more than one group.
	Deduplicated int `json:"deduplicated"`
	// Shadowed markers removed because the device is already adopted.
	Shadowed int `json:"shadowed"`
}

// Changed reports whether anything was repaired.
func (rep ReconcileReport) Changed() bool {
	return rep.Completed+rep.Discarded+rep.Deduplicated+rep.Shadowed > 0
}

// Reconcile repairs states that an interrupted multi-step operation can leave
// behind, restoring the invariant that every identifier is in at most one of
// the unknown set or a single group.
func (r *Registry) Reconcile(a auth.Actor) (ReconcileReport, error) {
	var rep ReconcileReport
	if err := authorize(a); err != nil {
		return rep, err
	}
	groups, err := r.groups()
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}

	type copyOf struct {
		group string
		seen  time.Time
	}
	adopted := map[string][]copyOf{}

	for _, g := range groups {
		ents, err := r.store.List(groupKey(g))
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return rep, fmt.Errorf("reconcile %s: %w", g, err)
		}
		for _, e := range ents {
			if !e.Dir {
				continue
			}
			id := e.Name
			ok, err := r.isAdopted(g, id)
			if err != nil {
				return rep, fmt.Errorf("reconcile %s/%s: %w", g, id, err)
			}
			if !ok {
				marker, err := r.exists(markerKey(id))
				if err != nil {
					return rep, fmt.Errorf("reconcile %s/%s: %w", g, id, err)
				}
				switch {
				case marker:
					if err := r.store.Rename(markerKey(id), deviceFile(g, id, identityFile)); err != nil {
						// Adopt got there first
						if done, aerr := r.isAdopted(g, id); aerr != nil || !done {
							return rep, fmt.Errorf("reconcile %s/%s: %w", g, id, err)
						}
					} else {
						rep.Completed++
						r.record(a, "Reconcile completed interrupted adoption of %s into %s.", id, g)
					}
				default:
					// Adopt creates the directory before it moves the marker in.
					done, err := r.isAdopted(g, id)
					if err != nil {
						return rep, fmt.Errorf("reconcile %s/%s: %w", g, id, err)
					}
					if !done {
						if err := r.store.RemoveAll(deviceKey(g, id)); err != nil {
							return rep, fmt.Errorf("reconcile %s/%s: %w", g, id, err)
						}
						rep.Discarded++
						r.record(a, "Reconcile discarded incomplete record %s in %s.", id, g)
						continue
					}
				}
			}
			c := copyOf{group: g}
			if st, err := r.store.Stat(deviceFile(g, id, phoneHomeFile)); err == nil {
				c.seen = st.ModTime
			}
			adopted[id] = append(adopted[id], c)
		}
	}

	for id, copies := range adopted {
		if len(copies) < 2 {
			continue
		}
		// keep the most recently seen copy; ties go to the first group by name
		sort.SliceStable(copies, func(i, j int) bool {
			if !copies[i].seen.Equal(copies[j].seen) {
				return copies[i].seen.After(copies[j].seen)
			}
			return copies[i].group < copies[j].group
		})
		for _, c := range copies[1:] {
			if err := r.store.RemoveAll(deviceKey(c.group, id)); err != nil {
				return rep, fmt.Errorf("reconcile %s/%s: %w", c.group, id, err)
			}
			rep.Deduplicated++
			r.record(a, "Reconcile removed duplicate record %s from %s (kept %s).", id, c.group, copies[0].group)
		}
	}

	markers, err := r.store.List(unknownDir)
	if err != nil && !isNotExist(err) {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	for _, m := range markers {
		if m.Dir {
			continue
		}
		if _, ok := adopted[m.Name]; !ok {
			continue
		}
		if err := r.store.Remove(markerKey(m.Name)); err != nil && !isNotExist(err) {
			return rep, fmt.Errorf("reconcile marker %s: %w", m.Name, err)
		}
		rep.Shadowed++
		r.record(a, "Reconcile removed stale pending marker for adopted %s.", m.Name)
	}

	if rep.Changed() {
		r.logger.Info().
			Int("completed", rep.Completed).
			Int("discarded", rep.Discarded).
			Int("deduplicated", rep.Deduplicated).
			Int("shadowed", rep.Shadowed).
			Msg("reconciled registry")
	}
	return rep, nil
}
