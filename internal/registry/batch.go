package registry

import (
	"fmt"

	"github.com/unixabg/dosi/internal/auth"
)

// BatchFailure is one item a batch could not process.
type BatchFailure struct {
	DeviceID string
	Err      error
}

// BatchReport lists what a batch did. A batch never fails as a whole.
type BatchReport struct {
	Done   []string
	Failed []BatchFailure
}

func (b *BatchReport) fail(r *Registry, a auth.Actor, op, id string, err error) {
	b.Failed = append(b.Failed, BatchFailure{DeviceID: id, Err: err})
	r.logger.Warn().Err(err).Str("op", op).Str("device", id).Msg("batch item skipped")
	r.record(a, "Batch %s skipped %s: %v", op, id, err)
}

// BatchMove moves each listed device, wherever it currently is, into target.
// Items are independent: a failed one is logged and the rest continue.
func (r *Registry) BatchMove(a auth.Actor, rawIDs []string, rawTarget string) (BatchReport, error) {
	if err := authorize(a); err != nil {
		return BatchReport{}, err
	}
	target, err := normalizeGroup(rawTarget)
	if err != nil {
		return BatchReport{}, err
	}
	var rep BatchReport
	for _, raw := range rawIDs {
		id, err := normalizeID(raw)
		if err != nil {
			rep.fail(r, a, "move", raw, err)
			continue
		}
		from, ok, err := r.findGroup(id)
		if err != nil {
			rep.fail(r, a, "move", id, err)
			continue
		}
		if !ok {
			rep.fail(r, a, "move", id, fmt.Errorf("%w: device %s", ErrNotFound, id))
			continue
		}
		if err := r.move(a, id, from, target); err != nil {
			rep.fail(r, a, "move", id, err)
			continue
		}
		rep.Done = append(rep.Done, id)
	}
	return rep, nil
}

// BatchDelete removes each listed device: its adopted record if it has one,
// otherwise its pending marker.
func (r *Registry) BatchDelete(a auth.Actor, rawIDs []string) (BatchReport, error) {
	if err := authorize(a); err != nil {
		return BatchReport{}, err
	}
	var rep BatchReport
	for _, raw := range rawIDs {
		id, err := normalizeID(raw)
		if err != nil {
			rep.fail(r, a, "delete", raw, err)
			continue
		}
		group, ok, err := r.findGroup(id)
		if err != nil {
			rep.fail(r, a, "delete", id, err)
			continue
		}
		if ok {
			err = r.DeleteDevice(a, id, group)
		} else {
			err = r.DeletePending(a, id)
		}
		if err != nil {
			rep.fail(r, a, "delete", id, err)
			continue
		}
		rep.Done = append(rep.Done, id)
	}
	return rep, nil
}
