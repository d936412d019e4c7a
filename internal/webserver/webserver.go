// Package webserver implements the diagnostics dashboard: a small
// gorilla/mux HTTP server exposing the shared core's counters, the live
// superblock list per mounted backend, and a couple of runtime knobs.
//
// Grounded on the teacher's FSDashboard shape (one struct instance
// wrapping the state it reports on, rather than package-level globals),
// but retargeted at vfscore.Counters/Superblocks instead of ZIP-specific
// metrics, and rendering from an in-source template string instead of a
// go:embed'd templates directory that this package's retrieved snapshot
// never actually shipped.
package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"sort"
	"text/template"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/nilcache/dircache/internal/logging"
	"github.com/nilcache/dircache/internal/vfscore"
)

// errInvalidArgument is for an invalid constructor argument.
var errInvalidArgument = errors.New("webserver: invalid argument")

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>dircachefs {{.Version}}</title></head>
<body>
<h1>dircachefs</h1>
<table border="1" cellpadding="4">
<tr><th>class</th><th>superblocks</th><th>inodes</th><th>entries</th></tr>
{{range .Classes}}<tr><td>{{.Name}}</td><td>{{.Superblocks}}</td><td>{{.Inodes}}</td><td>{{.Entries}}</td></tr>
{{end}}
</table>
<p>alloc: {{.AllocBytes}} &middot; sys: {{.SysBytes}} &middot; numGC: {{.NumGC}}</p>
<h2>log</h2>
<pre>{{range .Logs}}{{.}}
{{end}}</pre>
</body></html>
`))

// Dashboard serves diagnostics for a fixed set of named [vfscore.Class]
// instances (one per mounted backend kind, e.g. "archive", "http").
type Dashboard struct {
	version string
	classes map[string]*vfscore.Class
	rbuf    *logging.RingBuffer
}

// New returns a [Dashboard] reporting on classes.
func New(rbuf *logging.RingBuffer, version string, classes map[string]*vfscore.Class) (*Dashboard, error) {
	if rbuf == nil {
		return nil, fmt.Errorf("%w: need a ring buffer", errInvalidArgument)
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: need at least one class", errInvalidArgument)
	}

	return &Dashboard{
		version: version,
		classes: classes,
		rbuf:    rbuf,
	}, nil
}

// Serve serves the diagnostics dashboard as part of an [http.Server].
func (d *Dashboard) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: d.dashboardMux()}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "(webserver) PANIC: %v\n", r)
				debug.PrintStack()
			}
		}()

		d.rbuf.Printf("serving dashboard on %s\n", addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.rbuf.Printf("HTTP error: %v\n", err)
		}
	}()

	return srv
}

func (d *Dashboard) dashboardMux() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", d.dashboardHandler)
	r.HandleFunc("/metrics.json", d.metricsHandler)
	r.HandleFunc("/gc", d.gcHandler)
	r.HandleFunc("/reset", d.resetHandler)
	r.HandleFunc("/set/flush/{class}", d.flushHandler)

	return r
}

type classData struct {
	Name        string `json:"name"`
	Superblocks int    `json:"superblocks"`
	Inodes      int64  `json:"inodes"`
	Entries     int64  `json:"entries"`
}

type dashboardData struct {
	Version    string      `json:"version"`
	Classes    []classData `json:"classes"`
	AllocBytes string      `json:"allocBytes"`
	TotalAlloc string      `json:"totalAlloc"`
	SysBytes   string      `json:"sysBytes"`
	NumGC      uint32      `json:"numGc"`
	Logs       []string    `json:"logs"`
}

func (d *Dashboard) collectMetrics() dashboardData {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	names := make([]string, 0, len(d.classes))
	for name := range d.classes {
		names = append(names, name)
	}
	sort.Strings(names)

	classes := make([]classData, 0, len(names))
	for _, name := range names {
		class := d.classes[name]

		class.Lock()
		data := classData{
			Name:        name,
			Superblocks: len(class.Superblocks()),
			Inodes:      class.Counters().TotalInodes(),
			Entries:     class.Counters().TotalEntries(),
		}
		class.Unlock()

		classes = append(classes, data)
	}

	logs := d.rbuf.Lines()
	slices.Reverse(logs)

	return dashboardData{
		Version:    d.version,
		Classes:    classes,
		AllocBytes: humanize.IBytes(m.Alloc),
		TotalAlloc: humanize.IBytes(m.TotalAlloc),
		SysBytes:   humanize.IBytes(m.Sys),
		NumGC:      m.NumGC,
		Logs:       logs,
	}
}

func (d *Dashboard) dashboardHandler(w http.ResponseWriter, _ *http.Request) {
	if err := indexTemplate.Execute(w, d.collectMetrics()); err != nil {
		d.rbuf.Printf("HTTP template execution error: %v\n", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.collectMetrics()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (d *Dashboard) gcHandler(w http.ResponseWriter, _ *http.Request) {
	runtime.GC()
	debug.FreeOSMemory()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.rbuf.Printf("GC forced via API, current heap: %s.\n", humanize.IBytes(m.Alloc))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "GC forced, current heap: %s.\n", humanize.IBytes(m.Alloc))
}

func (d *Dashboard) resetHandler(w http.ResponseWriter, _ *http.Request) {
	for _, class := range d.classes {
		class.Lock()
		class.Counters().Reset()
		class.Unlock()
	}

	d.rbuf.Println("Counters reset via API.")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Counters reset.")
}

// flushHandler implements §4.F's setctl(FLUSH) as a diagnostics action:
// it sets the named class's single flush flag, so the next freshness
// check of any cached directory in that class reports it stale. A class
// with no live superblocks is left untouched.
func (d *Dashboard) flushHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["class"]

	class, ok := d.classes[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown class %q", name), http.StatusNotFound)

		return
	}

	class.Lock()
	defer class.Unlock()

	for _, super := range class.Superblocks() {
		if err := vfscore.Setctl(class, super, vfscore.SetctlFlush, nil); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)

			return
		}
	}

	d.rbuf.Printf("flush forced via API for class %q.\n", name)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "flush forced for %q.\n", name)
}
