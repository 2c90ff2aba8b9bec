// Command photon is the single-file photon runtime. It serves one photon
// file as an MCP server (stdio, streamable HTTP, or a local IPC socket) and
// manages the photon library through marketplace subcommands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/photonmcp/photon/internal/loader"
	"github.com/photonmcp/photon/internal/marketplace"
	"github.com/photonmcp/photon/internal/observe"
	"github.com/photonmcp/photon/internal/server"
	"github.com/photonmcp/photon/internal/store"
)

// version is the runtime version reported in the MCP handshake and by
// `photon version`.
const version = "0.3.0"

// commandTimeout bounds one-shot marketplace commands.
const commandTimeout = 2 * time.Minute

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// .env values complement the environment, never override it.
	_ = godotenv.Load()

	if len(args) == 0 {
		usage()
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return cmdServe(rest)
	case "install":
		return cmdInstall(rest)
	case "search":
		return cmdSearch(rest)
	case "list":
		return cmdList(rest)
	case "update":
		return cmdUpdate(rest)
	case "upgrade":
		return cmdUpgrade(rest)
	case "sources":
		return cmdSources(rest)
	case "version":
		fmt.Println(version)
		return 0
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "photon: unknown command %q\n", cmd)
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: photon <command> [flags]

  serve [--http addr] [--ipc socket] <file>   serve a photon file over MCP
  install [--yes] <name|source:name>          install from a marketplace source
  search <query>                              search all sources
  list                                        list installed photons
  update                                      check installed photons for updates
  upgrade [--force] [name...]                 upgrade installed photons
  sources add|remove|list                     manage marketplace sources
  version                                     print the runtime version
`)
}

// ── serve ─────────────────────────────────────────────────────────────────────

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	httpAddr := fs.String("http", "", "serve streamable HTTP on this address instead of stdio")
	ipcSocket := fs.String("ipc", "", "also serve the control panel on this Unix socket")
	watch := fs.Bool("watch", true, "reload when the source file changes")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: photon serve [--http addr] [--ipc socket] <file>")
		return 2
	}
	path := fs.Arg(0)

	// Stdio carries the protocol on stdout, so logs go to stderr always.
	slog.SetDefault(newLogger(*logLevel))

	st, err := openStore()
	if err != nil {
		slog.Error("cannot open config store", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The telemetry provider backs /metrics, so it only runs for HTTP.
	if *httpAddr != "" {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			slog.Error("telemetry init failed", "err", err)
			return 1
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
	}

	srv := server.New(server.Options{
		Version: version,
		Loader: loader.New(loader.Options{
			CacheDir:    filepath.Join(st.Dir(), "cache"),
			SavedConfig: st.ConfigRecord,
			Overrides:   st.Overrides,
		}),
	})
	defer srv.Close()

	if err := srv.Load(path); err != nil {
		slog.Error("load failed", "path", path, "err", err)
		return 1
	}

	if *watch {
		w, err := srv.Watch()
		if err != nil {
			slog.Warn("file watching disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if *ipcSocket != "" {
		socket := *ipcSocket
		g.Go(func() error { return srv.ServeIPC(ctx, socket) })
	}
	if *httpAddr != "" {
		addr := *httpAddr
		g.Go(func() error { return srv.ServeHTTP(ctx, addr) })
	} else {
		g.Go(func() error { return srv.ServeStdio(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("serve error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── marketplace commands ──────────────────────────────────────────────────────

func cmdInstall(args []string) int {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	dir := fs.String("dir", "", "install directory (default: <config>/photons)")
	yes := fs.Bool("yes", false, "accept the recommended candidate on a conflict")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: photon install [--yes] <name|source:name>")
		return 2
	}

	_, m, photonsDir, code := marketplaceEnv(*dir)
	if code != 0 {
		return code
	}

	ctx, cancel := commandContext()
	defer cancel()

	inst, err := m.Install(ctx, fs.Arg(0), marketplace.InstallOptions{
		Dir:               photonsDir,
		AcceptRecommended: *yes,
	})
	var conflict *marketplace.ConflictError
	if errors.As(err, &conflict) {
		rec := conflict.Resolution.Recommended
		fmt.Fprintf(os.Stderr, "photon: %q is offered by more than one source:\n", conflict.Name)
		for _, c := range conflict.Resolution.Candidates {
			marker := " "
			if c.Source == rec.Source && c.Entry.Version == rec.Entry.Version {
				marker = "*"
			}
			fmt.Fprintf(os.Stderr, "  %s %s:%s  %s\n", marker, c.Source, c.Entry.Name, c.Entry.Version)
		}
		fmt.Fprintln(os.Stderr, "pin one with source:name, or pass --yes to take the recommendation (*)")
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "photon: %v\n", err)
		return 1
	}

	fmt.Printf("installed %s %s from %s\n  %s\n",
		inst.Record.PhotonName, inst.Record.InstalledVersion, inst.Record.SourceMarketplace, inst.Path)
	return 0
}

func cmdSearch(args []string) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: photon search <query>")
		return 2
	}

	_, m, _, code := marketplaceEnv("")
	if code != 0 {
		return code
	}

	ctx, cancel := commandContext()
	defer cancel()

	results, err := m.Search(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "photon: %v\n", err)
		return 1
	}
	if len(results) == 0 {
		fmt.Println("no matches")
		return 0
	}
	for _, r := range results {
		fmt.Printf("%-24s %-10s %-14s %s\n", r.Source+":"+r.Name, r.Version, r.Source, r.Description)
	}
	return 0
}

func cmdList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	dir := fs.String("dir", "", "install directory (default: <config>/photons)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	st, m, photonsDir, code := marketplaceEnv(*dir)
	if code != 0 {
		return code
	}

	recs, err := st.Installed()
	if err != nil {
		fmt.Fprintf(os.Stderr, "photon: %v\n", err)
		return 1
	}
	if len(recs) == 0 {
		fmt.Println("no photons installed")
		return 0
	}
	for _, rec := range recs {
		state := ""
		if modified, err := m.LocallyModified(photonsDir, rec.PhotonName); err == nil && modified {
			state = "  (locally modified)"
		}
		fmt.Printf("%-20s %-10s %-20s %s%s\n",
			rec.PhotonName, rec.InstalledVersion, rec.SourceMarketplace,
			rec.InstalledAt.Format(time.DateOnly), state)
	}
	return 0
}

func cmdUpdate(args []string) int {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	dir := fs.String("dir", "", "install directory (default: <config>/photons)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_, m, photonsDir, code := marketplaceEnv(*dir)
	if code != 0 {
		return code
	}

	ctx, cancel := commandContext()
	defer cancel()

	infos, err := m.CheckUpdates(ctx, photonsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "photon: %v\n", err)
		return 1
	}
	updates := 0
	for _, info := range infos {
		if !info.HasUpdate {
			continue
		}
		updates++
		note := ""
		if info.LocallyModified {
			note = "  (locally modified, upgrade needs --force)"
		}
		fmt.Printf("%-20s %s -> %s%s\n", info.Name, info.InstalledVersion, info.RemoteVersion, note)
	}
	if updates == 0 {
		fmt.Println("everything is up to date")
	}
	return 0
}

func cmdUpgrade(args []string) int {
	fs := flag.NewFlagSet("upgrade", flag.ContinueOnError)
	dir := fs.String("dir", "", "install directory (default: <config>/photons)")
	force := fs.Bool("force", false, "upgrade even when the local file was modified")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	st, m, photonsDir, code := marketplaceEnv(*dir)
	if code != 0 {
		return code
	}

	ctx, cancel := commandContext()
	defer cancel()

	names := fs.Args()
	if len(names) == 0 {
		recs, err := st.Installed()
		if err != nil {
			fmt.Fprintf(os.Stderr, "photon: %v\n", err)
			return 1
		}
		for _, rec := range recs {
			names = append(names, rec.PhotonName)
		}
	}

	failed := 0
	for _, name := range names {
		inst, err := m.Upgrade(ctx, photonsDir, name, *force)
		if err != nil {
			fmt.Fprintf(os.Stderr, "photon: upgrade %s: %v\n", name, err)
			failed++
			continue
		}
		fmt.Printf("upgraded %s to %s\n", name, inst.Record.InstalledVersion)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func cmdSources(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: photon sources add <name> <origin> | remove <name> | list")
		return 2
	}

	_, m, _, code := marketplaceEnv("")
	if code != 0 {
		return code
	}

	switch args[0] {
	case "add":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: photon sources add <name> <owner/repo|url>")
			return 2
		}
		if err := m.AddSource(args[1], args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "photon: %v\n", err)
			return 1
		}
		fmt.Printf("added source %s\n", args[1])
		return 0
	case "remove":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: photon sources remove <name>")
			return 2
		}
		if err := m.RemoveSource(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "photon: %v\n", err)
			return 1
		}
		fmt.Printf("removed source %s\n", args[1])
		return 0
	case "list":
		sources, err := m.Sources()
		if err != nil {
			fmt.Fprintf(os.Stderr, "photon: %v\n", err)
			return 1
		}
		if len(sources) == 0 {
			fmt.Println("no sources configured")
			return 0
		}
		for _, src := range sources {
			state := "enabled"
			if !src.Enabled {
				state = "disabled"
			}
			count := 0
			if src.Manifest != nil {
				count = len(src.Manifest.Photons)
			}
			fmt.Printf("%-20s %-9s %3d photons  %s\n", src.Name, state, count, src.Origin)
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "photon: unknown sources subcommand %q\n", args[0])
		return 2
	}
}

// ── shared wiring ─────────────────────────────────────────────────────────────

func openStore() (*store.Store, error) {
	dir, err := store.DefaultDir()
	if err != nil {
		return nil, err
	}
	return store.New(dir), nil
}

// marketplaceEnv opens the config store and marketplace manager and resolves
// the install directory. A non-zero code means it already printed the error.
func marketplaceEnv(dir string) (*store.Store, *marketplace.Manager, string, int) {
	st, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "photon: cannot open config store: %v\n", err)
		return nil, nil, "", 1
	}
	if dir == "" {
		dir = filepath.Join(st.Dir(), "photons")
	}
	return st, marketplace.New(st), dir, 0
}

func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
