/*
dircachefs is a FUSE filesystem that mounts one backend class (a ZIP
archive via archivefs, or an HTTP directory listing via httpfs) through
the shared directory-cache core, keeping the resolved inode/entry tree
warm across lookups instead of re-resolving every path component on
every syscall. It includes an HTTP dashboard for runtime metrics and a
couple of live-adjustable knobs.

The following signals are observed and handled by the filesystem:
  - SIGTERM or SIGINT (CTRL+C) gracefully unmounts the filesystem
  - SIGUSR1 forces a garbage collection (within Go)
  - SIGUSR2 dumps a diagnostic stacktrace to standard error (stderr)

When enabled, the diagnostics server exposes the following routes over HTTP:
  - "/" for the dashboard and event ring-buffer
  - "/metrics.json" for the same data as JSON
  - "/gc" for forcing of a garbage collection (within Go)
  - "/reset" for resetting the counters at runtime
  - "/set/flush/<class>" for forcing the next lookup to re-resolve
*/
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nilcache/dircache/internal/backend/archivefs"
	"github.com/nilcache/dircache/internal/backend/httpfs"
	"github.com/nilcache/dircache/internal/fuseadapter"
	"github.com/nilcache/dircache/internal/gc"
	"github.com/nilcache/dircache/internal/logging"
	"github.com/nilcache/dircache/internal/vfscore"
	"github.com/nilcache/dircache/internal/webserver"
)

const (
	stackTraceBuffer  = 1 << 24
	defaultRingBuffer = 500
)

// Version is the program version; it is empty unless set at link time.
var Version string

type programOpts struct {
	class            string
	source           string
	mountDir         string
	dirTTL           time.Duration
	streamThreshold  uint64
	superblockTTL    time.Duration
	dashboardAddress string
	allowOther       bool
	dryRun           bool
	logfile          string
	ringBufferSize   int
}

func rootCmd() *cobra.Command {
	var opts programOpts
	var argThreshold string

	cmd := &cobra.Command{
		Use:   "dircachefs <source> <mountpoint>",
		Short: "a FUSE filesystem fronting a pluggable directory-cache core",
		Long: `dircachefs mounts one backend class through a shared inode/entry cache so
repeated lookups against the same archive or remote listing are served from
memory instead of re-walking the backend every time.

When mounted, the following OS signals are observed at runtime:
- SIGTERM/SIGINT for gracefully unmounting the FS
- SIGUSR1 for forcing a garbage collection run within Go
- SIGUSR2 for printing a stack trace to standard error (stderr)

When enabled, the diagnostics dashboard exposes the following routes:
- "/" for the dashboard and event ring-buffer
- "/metrics.json" for the same data as JSON
- "/gc" for forcing of a garbage collection (within Go)
- "/reset" for resetting the counters at runtime
- "/set/flush/<class>" for forcing the next lookup to re-resolve`,
		Version: Version,
		Args:    cobra.ExactArgs(2), //nolint:mnd
		RunE: func(_ *cobra.Command, args []string) error {
			numThreshold, err := humanize.ParseBytes(argThreshold)
			if err != nil {
				return fmt.Errorf("failed to parse streaming threshold: %w", err)
			}
			opts.streamThreshold = numThreshold
			opts.source = args[0]
			opts.mountDir = args[1]

			return run(opts)
		},
	}

	cmd.Flags().StringVar(&opts.class, "class", "archivefs", "Backend class to mount (archivefs, httpfs)")
	cmd.Flags().StringVar(&argThreshold, "streaming-threshold", "10M", "Size cutoff for reading a file through a local scratch copy instead of streaming it")
	cmd.Flags().DurationVar(&opts.dirTTL, "dir-ttl", 30*time.Second, "How long a remote directory listing stays fresh (httpfs only)") //nolint:mnd
	cmd.Flags().DurationVar(&opts.superblockTTL, "superblock-ttl", 5*time.Minute, "How long an idle superblock is kept before it is freed") //nolint:mnd
	cmd.Flags().StringVarP(&opts.dashboardAddress, "webserver", "w", "", "Address to serve the diagnostics dashboard on (e.g. :8000; disabled when empty)")
	cmd.Flags().BoolVar(&opts.allowOther, "allow-other", false, "Allow other users to access the mount")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Parse options and exit without mounting")
	cmd.Flags().StringVar(&opts.logfile, "logfile", "", "File to additionally write ring-buffer log lines to (stderr always gets them)")
	cmd.Flags().IntVar(&opts.ringBufferSize, "ring-buffer-size", defaultRingBuffer, "Number of recent log lines kept for the dashboard")

	return cmd
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newBackend(class string) (vfscore.BackendClass, vfscore.ClassFlags, func(*vfscore.Class), error) {
	switch class {
	case "archivefs":
		b := archivefs.New()

		return b, vfscore.FlagReadonly, func(*vfscore.Class) {}, nil
	case "httpfs":
		b := httpfs.New()

		return b, vfscore.FlagRemote, func(c *vfscore.Class) { b.BindClass(c) }, nil
	default:
		return nil, 0, nil, fmt.Errorf("unknown backend class %q (want archivefs or httpfs)", class)
	}
}

func run(opts programOpts) error {
	out := io.Discard
	if opts.logfile != "" {
		f, err := os.OpenFile(opts.logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:mnd
		if err == nil {
			defer f.Close()
			out = f
		}
	}
	rbuf := logging.NewRingBuffer(opts.ringBufferSize, io.MultiWriter(os.Stderr, out))

	backend, flags, bind, err := newBackend(opts.class)
	if err != nil {
		return err
	}

	switch b := backend.(type) {
	case *archivefs.Backend:
		b.Options.StreamingThreshold.Store(opts.streamThreshold)
	case *httpfs.Backend:
		b.Options.StreamingThreshold.Store(opts.streamThreshold)
		b.Options.DirTTL.Store(int64(opts.dirTTL))
		b.Logger = rbuf
	}

	ager := gc.New(opts.superblockTTL, rbuf)
	defer ager.Stop()

	class := vfscore.NewClass(backend, vfscore.ClassOptions{
		Prefix:  opts.class,
		Flags:   flags,
		Logger:  rbuf,
		Stamper: ager,
	})
	bind(class)

	if opts.dryRun {
		rbuf.Printf("dry run: options parsed successfully, not mounting\n")

		return nil
	}

	super, err := vfscore.OpenSuperblock(context.Background(), class, vfscore.OpenOptions{Name: opts.source})
	if err != nil {
		return fmt.Errorf("open error: %w", err)
	}

	mountOpts := []fuse.MountOption{fuse.FSName("dircachefs"), fuse.Subtype(opts.class)}
	if flags.Has(vfscore.FlagReadonly) {
		mountOpts = append(mountOpts, fuse.ReadOnly())
	}
	if opts.allowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}

	c, err := fuse.Mount(opts.mountDir, mountOpts...)
	if err != nil {
		return fmt.Errorf("fs mount error: %w", err)
	}
	defer c.Close()
	defer fuse.Unmount(opts.mountDir) //nolint:errcheck

	var wg sync.WaitGroup
	errChan := make(chan error, 1)
	wg.Go(func() {
		defer close(errChan)
		if err := fs.Serve(c, fuseadapter.New(class, super)); err != nil {
			errChan <- fmt.Errorf("fs serve error: %w", err)
		}
	})

	if opts.dashboardAddress != "" {
		dash, err := webserver.New(rbuf, Version, map[string]*vfscore.Class{opts.class: class})
		if err != nil {
			return fmt.Errorf("dashboard error: %w", err)
		}
		srv := dash.Serve(opts.dashboardAddress)
		defer srv.Close()
	}

	registerSignals(opts.mountDir, rbuf)

	wg.Wait()

	return <-errChan
}

func registerSignals(mountDir string, rbuf *logging.RingBuffer) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sig {
			rbuf.Println("Signal received, unmounting the filesystem...")

			if err := fuse.Unmount(mountDir); err != nil {
				rbuf.Printf("Unmount error: %v (try again later)\n", err)

				continue
			}

			return
		}
	}()

	sig1 := make(chan os.Signal, 1)
	signal.Notify(sig1, syscall.SIGUSR1)
	go func() {
		for range sig1 {
			rbuf.Println("Signal received, forcing garbage collection...")
			runtime.GC()
			debug.FreeOSMemory()
		}
	}()

	sig2 := make(chan os.Signal, 1)
	signal.Notify(sig2, syscall.SIGUSR2)
	go func() {
		for range sig2 {
			rbuf.Println("Signal received, printing stacktrace (to stderr)...")
			buf := make([]byte, stackTraceBuffer)
			stacklen := runtime.Stack(buf, true)
			os.Stderr.Write(buf[:stacklen])
		}
	}()
}
