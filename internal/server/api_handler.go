package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/xeipuuv/gojsonschema"

	"github.com/unixabg/dosi/internal/registry"
)

var errBadAction = fmt.Errorf("%w: action must be move or delete", registry.ErrInvalidRequest)

func (h *handlers) apiPending(w http.ResponseWriter, r *http.Request) {
	list, err := h.reg.ListPending(actorFrom(r))
	if err != nil {
		h.apiError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"pending": list})
}

func (h *handlers) apiGroups(w http.ResponseWriter, r *http.Request) {
	list, err := h.reg.ListGroups(actorFrom(r))
	if err != nil {
		h.apiError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"groups": list})
}

func (h *handlers) apiGroupDevices(w http.ResponseWriter, r *http.Request) {
	list, err := h.reg.ListDevices(actorFrom(r), chi.URLParam(r, "name"))
	if err != nil {
		h.apiError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"devices": list})
}

func (h *handlers) apiDevice(w http.ResponseWriter, r *http.Request) {
	st, err := h.reg.Lookup(actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.apiError(w, r, err)
		return
	}
	writeJSON(w, st)
}

const batchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["action", "ids"],
  "properties": {
    "action": {"type": "string", "enum": ["move", "delete"]},
    "ids": {
      "type": "array",
      "minItems": 1,
      "maxItems": 1000,
      "items": {"type": "string", "minLength": 1, "maxLength": 128}
    },
    "group": {"type": "string", "maxLength": 64}
  }
}`

var batchSchemaLoader = gojsonschema.NewStringLoader(batchSchema)

type batchRequest struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
	Group  string   `json:"group"`
}

type batchItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

type batchResponse struct {
	Done   []string         `json:"done"`
	Failed []batchItemError `json:"failed"`
}

func (h *handlers) apiBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 256<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	result, err := gojsonschema.Validate(batchSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body is not valid JSON")
		return
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		writeErrorDetails(w, http.StatusBadRequest, "invalid_request", strings.Join(problems, "; "), problems)
		return
	}
	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rep, err := h.runBatch(actorFrom(r), req.Action, req.IDs, req.Group)
	if err != nil {
		h.apiError(w, r, err)
		return
	}
	out := batchResponse{Done: rep.Done, Failed: make([]batchItemError, 0, len(rep.Failed))}
	if out.Done == nil {
		out.Done = []string{}
	}
	for _, f := range rep.Failed {
		_, code := statusFor(f.Err)
		out.Failed = append(out.Failed, batchItemError{ID: f.DeviceID, Error: f.Err.Error(), Code: code})
	}
	writeJSON(w, out)
}

// SystemInfo is the host summary shown to operators.
type SystemInfo struct {
	Hostname    string  `json:"hostname"`
	Uptime      uint64  `json:"uptime"`
	Kernel      string  `json:"kernel,omitempty"`
	Platform    string  `json:"platform,omitempty"`
	Arch        string  `json:"arch"`
	CPUCount    int     `json:"cpuCount,omitempty"`
	Load1       float64 `json:"load1"`
	MemoryTotal uint64  `json:"memoryTotal,omitempty"`
	MemoryUsed  uint64  `json:"memoryUsed,omitempty"`
	DataTotal   uint64  `json:"dataTotal,omitempty"`
	DataFree    uint64  `json:"dataFree,omitempty"`
	Version     string  `json:"version"`
}

// apiSystem reports best-effort host facts; probes that fail are left empty.
func (h *handlers) apiSystem(w http.ResponseWriter, r *http.Request) {
	info := SystemInfo{Arch: runtime.GOARCH, Version: Version}
	if hn, err := os.Hostname(); err == nil {
		info.Hostname = hn
	}
	if hi, err := host.Info(); err == nil {
		info.Uptime = hi.Uptime
		info.Kernel = hi.KernelVersion
		info.Platform = strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion)
	}
	if n, err := cpu.Counts(true); err == nil {
		info.CPUCount = n
	}
	if avg, err := load.Avg(); err == nil {
		info.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsed = vm.Used
	}
	if du, err := disk.Usage(h.cfg.DataRoot); err == nil {
		info.DataTotal = du.Total
		info.DataFree = du.Free
	}
	writeJSON(w, info)
}
