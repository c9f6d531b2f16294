package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/registry"
)

const (
	msgMissingSerial = "CPU serial number not provided."
	msgInvalidSerial = "CPU serial number is not valid."
	msgNewDevice     = "New device detected. Please follow the instructions to register."
	msgPending       = "Machine is pending adoption."
)

// checkIn is the device phone-home: GET /operator?cpuSerial=<id>. The reply
// is plain text the device acts on.
func (h *handlers) checkIn(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	serial := r.URL.Query().Get("cpuSerial")
	a := auth.Device(clientIP(r, h.cfg))
	if strings.TrimSpace(serial) == "" {
		h.recordAs(a, msgMissingSerial)
		http.Error(w, msgMissingSerial, http.StatusBadRequest)
		return
	}
	res, err := h.reg.CheckIn(a, serial)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidRequest) {
			http.Error(w, msgInvalidSerial, http.StatusBadRequest)
			return
		}
		h.log.Error().Err(err).Str("serial", serial).Msg("check-in failed")
		http.Error(w, "Internal server error.", http.StatusInternalServerError)
		return
	}
	if h.m != nil {
		h.m.CheckIn(string(res.Outcome))
	}
	switch res.Outcome {
	case registry.OutcomeNew:
		_, _ = w.Write([]byte(msgNewDevice))
	case registry.OutcomePending:
		_, _ = w.Write([]byte(msgPending))
	case registry.OutcomeReboot:
		_, _ = w.Write([]byte(registry.OutcomeReboot))
	default:
		_, _ = w.Write([]byte(res.Script))
	}
}
