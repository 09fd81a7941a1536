// Package paneltest provides an in-memory imitation of the RackNerd panel
// for tests: cookie sessions, the AJAX login endpoint, the landing page with
// its vmlist table, and the per-VM stats endpoint.
package paneltest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const sessionCookie = "PHPSESSID"

// Panel is a fake control panel. Configure the exported fields before
// serving; they are read under the panel's lock on every request.
type Panel struct {
	Username string
	Password string

	// LoginStatus forces the login status code. Empty means "1" for the
	// right credentials and "3" otherwise.
	LoginStatus string

	// LoginBody, when set, is written verbatim as the login reply.
	LoginBody string

	// LoginDelay stalls every login, to line up concurrent callers.
	LoginDelay time.Duration

	// RejectSessions makes the landing page render logged out even after a
	// successful login.
	RejectSessions bool

	// Rows are the inventory table rows (see Row).
	Rows []string

	// Stats maps VM id to the raw JSON served by the stats endpoint. VMs
	// without an entry get {"success":"0"}.
	Stats map[string]string

	// HomeHook, when set, is consulted before rendering the landing page.
	// n counts landing page requests from 1. Returning ok=true serves body.
	HomeHook func(n int64, authenticated bool) (body string, ok bool)

	mu       sync.Mutex
	sessions map[string]bool

	logins atomic.Int64
	homes  atomic.Int64
	stats  atomic.Int64
}

// New returns a panel accepting the given credentials.
func New(username, password string) *Panel {
	return &Panel{
		Username: username,
		Password: password,
		Stats:    make(map[string]string),
		sessions: make(map[string]bool),
	}
}

// Start serves the panel on a test server.
func (p *Panel) Start() *httptest.Server {
	return httptest.NewServer(p)
}

// LoginCount returns the number of login submissions received.
func (p *Panel) LoginCount() int64 { return p.logins.Load() }

// HomeCount returns the number of landing page requests received.
func (p *Panel) HomeCount() int64 { return p.homes.Load() }

// StatsCount returns the number of stats requests received.
func (p *Panel) StatsCount() int64 { return p.stats.Load() }

// Expire drops every session, the way the real panel silently does.
func (p *Panel) Expire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = make(map[string]bool)
}

// SetRejectSessions toggles RejectSessions while the panel is serving.
func (p *Panel) SetRejectSessions(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RejectSessions = reject
}

// SetStats replaces the stats payload of one VM.
func (p *Panel) SetStats(id, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Stats[id] = body
}

func (p *Panel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/login.php":
		p.serveLogin(w, r)
	case "/home.php":
		p.serveHome(w, r)
	case "/_vm_remote.php":
		p.serveStats(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (p *Panel) serveLogin(w http.ResponseWriter, r *http.Request) {
	p.logins.Add(1)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	delay, body, status := p.LoginDelay, p.LoginBody, p.LoginStatus
	validCreds := r.PostForm.Get("username") == p.Username && r.PostForm.Get("password") == p.Password
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if body != "" {
		fmt.Fprint(w, body)
		return
	}
	if status == "" {
		status = "3"
		if validCreds && r.PostForm.Get("act") == "login" {
			status = "1"
		}
	}
	if status == "1" {
		token := newToken()
		p.mu.Lock()
		p.sessions[token] = true
		p.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: token, Path: "/"})
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"success":true,"status":"%s"}`, status)
}

func (p *Panel) serveHome(w http.ResponseWriter, r *http.Request) {
	n := p.homes.Add(1)
	authed := p.authenticated(r)

	p.mu.Lock()
	hook := p.HomeHook
	rows := append([]string(nil), p.Rows...)
	p.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if hook != nil {
		if body, ok := hook(n, authed); ok {
			fmt.Fprint(w, body)
			return
		}
	}
	if !authed {
		fmt.Fprint(w, LoginPage())
		return
	}
	fmt.Fprint(w, InventoryPage(rows...))
}

func (p *Panel) serveStats(w http.ResponseWriter, r *http.Request) {
	p.stats.Add(1)
	if !p.authenticated(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, LoginPage())
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	body, ok := p.Stats[r.PostForm.Get("vi")]
	p.mu.Unlock()
	if !ok {
		body = `{"success":"0"}`
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func (p *Panel) authenticated(r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.RejectSessions && p.sessions[c.Value]
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Row renders one well-formed vmlist row.
func Row(id, hostname string, kvm bool, ip, os, memory, disk string) string {
	icon := "openvz.png"
	if kvm {
		icon = "kvm.png"
	}
	return fmt.Sprintf(`<tr><td><img src="/templates/default/images/%s"></td>`+
		`<td><a href="control.php?_v=%s">%s</a></td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>`,
		icon, id, hostname, ip, os, memory, disk)
}

// InventoryPage renders a logged-in landing page holding the given rows.
func InventoryPage(rows ...string) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>Client Area</title></head><body>`)
	b.WriteString(`<div class="nav"><a href="logout.php">Logout</a></div>`)
	b.WriteString(`<table id="vmlist"><thead><tr><th>Type</th><th>Hostname</th><th>IP</th>` +
		`<th>OS</th><th>Memory</th><th>Disk</th></tr></thead><tbody>`)
	for _, r := range rows {
		b.WriteString(r)
	}
	b.WriteString(`</tbody></table></body></html>`)
	return b.String()
}

// LoginPage renders the page served to requests without a valid session.
func LoginPage() string {
	return `<html><head><title>Login</title></head><body>` +
		`<form id="loginform"><input name="username"><input name="password" type="password"></form>` +
		`</body></html>`
}
