package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/eventlog"
	"github.com/unixabg/dosi/internal/registry"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

type pageSet struct {
	byName map[string]*template.Template
}

func mustPages() *pageSet {
	base := template.Must(template.ParseFS(templateFS, "templates/layout.html"))
	ps := &pageSet{byName: map[string]*template.Template{}}
	for _, name := range []string{"login", "dashboard", "pending", "adopted", "groups", "script", "logs"} {
		t := template.Must(base.Clone())
		ps.byName[name] = template.Must(t.ParseFS(templateFS, "templates/"+name+".html"))
	}
	return ps
}

type view struct {
	Title string
	User  string
	CSRF  string
	Flash string
	Data  any
}

func (h *handlers) render(w http.ResponseWriter, r *http.Request, status int, page, title string, data any) {
	t, ok := h.pages.byName[page]
	if !ok {
		http.Error(w, "unknown page", http.StatusInternalServerError)
		return
	}
	v := view{
		Title: title,
		User:  actorFrom(r).User,
		CSRF:  h.csrfToken(w, r),
		Flash: r.URL.Query().Get("msg"),
		Data:  data,
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", v); err != nil {
		h.log.Error().Err(err).Str("page", page).Msg("render failed")
		http.Error(w, "Internal server error.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// done redirects a form post back to a page with a flash message.
func done(w http.ResponseWriter, r *http.Request, to, msg string) {
	if msg != "" {
		to += "?msg=" + url.QueryEscape(msg)
	}
	http.Redirect(w, r, to, http.StatusSeeOther)
}

func (h *handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	a := actorFrom(r)
	pending, err := h.reg.ListPending(a)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	groups, err := h.reg.ListGroups(a)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	adopted := 0
	for _, g := range groups {
		adopted += g.Devices
	}
	var recent []eventlog.Entry
	if h.ev != nil {
		recent, _ = h.ev.Tail(10)
	}
	h.render(w, r, http.StatusOK, "dashboard", "Dashboard", map[string]any{
		"Pending": pending,
		"Groups":  groups,
		"Adopted": adopted,
		"Recent":  recent,
	})
}

func (h *handlers) pendingPage(w http.ResponseWriter, r *http.Request) {
	a := actorFrom(r)
	pending, err := h.reg.ListPending(a)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	groups, err := h.reg.ListGroups(a)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	h.record(r, "Viewed pending adoption clients.")
	h.render(w, r, http.StatusOK, "pending", "Pending adoption", map[string]any{
		"Pending": pending,
		"Groups":  groups,
	})
}

type groupDevices struct {
	Name    string
	Devices []registry.Device
}

func (h *handlers) adoptedPage(w http.ResponseWriter, r *http.Request) {
	a := actorFrom(r)
	groups, err := h.reg.ListGroups(a)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	out := make([]groupDevices, 0, len(groups))
	for _, g := range groups {
		devs, err := h.reg.ListDevices(a, g.Name)
		if err != nil {
			h.htmlError(w, r, err)
			return
		}
		out = append(out, groupDevices{Name: g.Name, Devices: devs})
	}
	h.record(r, "Viewed adopted clients.")
	h.render(w, r, http.StatusOK, "adopted", "Adopted devices", map[string]any{"Groups": out})
}

func (h *handlers) groupsPage(w http.ResponseWriter, r *http.Request) {
	groups, err := h.reg.ListGroups(actorFrom(r))
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, "groups", "Groups", groups)
}

func (h *handlers) scriptPage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	script, err := h.reg.ProvisioningScript(actorFrom(r), name)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, "script", "Provisioning script: "+name, map[string]any{
		"Group":  name,
		"Script": script,
	})
}

func (h *handlers) logsPage(w http.ResponseWriter, r *http.Request) {
	n := 200
	if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 && v <= 5000 {
		n = v
	}
	var entries []eventlog.Entry
	if h.ev != nil {
		var err error
		if entries, err = h.ev.Tail(n); err != nil {
			h.htmlError(w, r, err)
			return
		}
	}
	h.render(w, r, http.StatusOK, "logs", "Event log", entries)
}

func (h *handlers) adopt(w http.ResponseWriter, r *http.Request) {
	id, group := r.PostFormValue("id"), r.PostFormValue("group")
	err := h.reg.Adopt(actorFrom(r), id, group)
	h.action("adopt", err)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	done(w, r, "/pending-adoption", "Adopted "+strings.ToUpper(strings.TrimSpace(id))+" into "+strings.TrimSpace(group)+".")
}

func (h *handlers) deletePending(w http.ResponseWriter, r *http.Request) {
	err := h.reg.DeletePending(actorFrom(r), r.PostFormValue("id"))
	h.action("delete_pending", err)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	done(w, r, "/pending-adoption", "Pending device deleted.")
}

func (h *handlers) deleteAdopted(w http.ResponseWriter, r *http.Request) {
	err := h.reg.DeleteDevice(actorFrom(r), r.PostFormValue("id"), r.PostFormValue("group"))
	h.action("delete_device", err)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	done(w, r, "/view-adopted", "Device deleted.")
}

func (h *handlers) reboot(w http.ResponseWriter, r *http.Request) {
	err := h.reg.RequestReboot(actorFrom(r), r.PostFormValue("id"), r.PostFormValue("group"))
	h.action("reboot", err)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	done(w, r, "/view-adopted", "Reboot requested.")
}

func (h *handlers) setAlias(w http.ResponseWriter, r *http.Request) {
	err := h.reg.SetAlias(actorFrom(r), r.PostFormValue("id"), r.PostFormValue("group"), r.PostFormValue("alias"))
	h.action("alias", err)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	done(w, r, "/view-adopted", "Alias saved.")
}

func (h *handlers) deleteAlias(w http.ResponseWriter, r *http.Request) {
	err := h.reg.DeleteAlias(actorFrom(r), r.PostFormValue("id"), r.PostFormValue("group"))
	h.action("alias_delete", err)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	done(w, r, "/view-adopted", "Alias cleared.")
}

func (h *handlers) createGroup(w http.ResponseWriter, r *http.Request) {
	err := h.reg.CreateGroup(actorFrom(r), r.PostFormValue("name"))
	h.action("group_create", err)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	done(w, r, "/groups", "Group created.")
}

func (h *handlers) deleteGroup(w http.ResponseWriter, r *http.Request) {
	err := h.reg.DeleteGroup(actorFrom(r), r.PostFormValue("name"))
	h.action("group_delete", err)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	done(w, r, "/groups", "Group deleted.")
}

func (h *handlers) saveScript(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	// textareas submit CRLF line endings; devices run this through a shell
	script := strings.ReplaceAll(r.PostFormValue("script"), "\r\n", "\n")
	err := h.reg.SetProvisioningScript(actorFrom(r), name, script)
	h.action("script", err)
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	done(w, r, "/groups/"+url.PathEscape(name)+"/script", "Script saved.")
}

func (h *handlers) batchForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad form.", http.StatusBadRequest)
		return
	}
	rep, err := h.runBatch(actorFrom(r), r.PostFormValue("action"), r.PostForm["id"], r.PostFormValue("group"))
	if err != nil {
		h.htmlError(w, r, err)
		return
	}
	msg := strconv.Itoa(len(rep.Done)) + " done"
	if len(rep.Failed) > 0 {
		msg += ", " + strconv.Itoa(len(rep.Failed)) + " failed (see log)"
	}
	done(w, r, "/view-adopted", msg+".")
}

func (h *handlers) runBatch(a auth.Actor, action string, ids []string, group string) (registry.BatchReport, error) {
	var (
		rep registry.BatchReport
		err error
	)
	switch action {
	case "move":
		rep, err = h.reg.BatchMove(a, ids, group)
	case "delete":
		rep, err = h.reg.BatchDelete(a, ids)
	default:
		return rep, errBadAction
	}
	h.action("batch_"+action, err)
	return rep, err
}
