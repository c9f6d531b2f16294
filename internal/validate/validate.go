package validate

import (
	"errors"
	"regexp"
	"strings"

	"github.com/unixabg/dosi/internal/fsatomic"
)

var (
	reDeviceID = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._:-]{0,127}$`)
	reGroup    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

	ErrMissingID   = errors.New("device identifier not provided")
	ErrBadID       = errors.New("invalid device identifier")
	ErrMissingName = errors.New("group name not provided")
	ErrBadName     = errors.New("invalid group name")
)

// DeviceID trims and upper-cases raw and checks that the result can be used
// as a single store key segment.
func DeviceID(raw string) (string, error) {
	id := strings.ToUpper(strings.TrimSpace(raw))
	if id == "" {
		return "", ErrMissingID
	}
	if !reDeviceID.MatchString(id) {
		return "", ErrBadID
	}
	return id, nil
}

// GroupName trims raw and validates it. Group names keep their case. Names
// ending in a suffix the stores reserve for their own files are rejected.
func GroupName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrMissingName
	}
	if !reGroup.MatchString(name) {
		return "", ErrBadName
	}
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, fsatomic.TmpSuffix) || strings.HasSuffix(lower, fsatomic.LockSuffix) {
		return "", ErrBadName
	}
	return name, nil
}
