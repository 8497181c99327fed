package serialmux

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/uwb.locator/internal/uwb/device"
	"github.com/banshee-data/uwb.locator/internal/uwb/notify"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// AdminPort is what the admin routes need from a connected module.
// *SerialMux satisfies it.
type AdminPort interface {
	SendCommand(string) error
	Subscribe() (string, chan string)
	Unsubscribe(string)
	Stats() *notify.Stats
}

// AttachAdminRoutes mounts a send-command page, a command API, an SSE tail of
// notifications and extractor counters at /debug/<name>/. current is called
// on every request, so the routes follow a module across reconnects; it
// returns nil while the module is down.
func AttachAdminRoutes(mux *http.ServeMux, name string, current func() AdminPort) {
	debug := tsweb.Debugger(mux)
	prefix := name + "/"

	connected := func(w http.ResponseWriter) AdminPort {
		port := current()
		if port == nil {
			http.Error(w, name+" is not connected", http.StatusServiceUnavailable)
		}
		return port
	}

	// Basic command / live tail monitor interface using the below two API endpoints.
	debug.HandleFunc(prefix+"send-command", "send a command to "+name, func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, struct{ Name string }{name}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc(prefix+"send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if !device.IsAllowedCommand(command) {
			http.Error(w, "Command not allowed", http.StatusForbidden)
			return
		}
		port := connected(w)
		if port == nil {
			return
		}
		if err := port.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to %s", command, name))
	})

	// Server-Sent Events, one per notification.
	debug.HandleSilentFunc(prefix+"tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		port := connected(w)
		if port == nil {
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := port.Subscribe()
		defer port.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					// the port was closed; the browser reconnects to the next one
					return
				}
				// SSE data lines cannot contain newlines
				for _, line := range strings.Split(payload, "\n") {
					if _, err := fmt.Fprintf(w, "data: %s\n", strings.TrimRight(line, "\r")); err != nil {
						return
					}
				}
				if _, err := w.Write([]byte("\n")); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc(prefix+"tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})

	debug.HandleSilentFunc(prefix+"stats", func(w http.ResponseWriter, r *http.Request) {
		port := connected(w)
		if port == nil {
			return
		}
		st := port.Stats()
		fmt.Fprintf(w, "bytes_in %d\nframes %d\ndiscarded %d\n",
			st.BytesIn.Load(), st.Frames.Load(), st.Discarded.Load())
	})
}
