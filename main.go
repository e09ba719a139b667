package main

// partsync - near-real-time diff-based synchronization of a project tree
// across cooperating endpoints via a central relay.
//
// The relay owns the diff history and the lock table but never the
// authoritative content: clients hold content, the relay stores patches and
// the latest content fingerprints. Clients watch their project directory,
// debounce edits into diffs, and apply broadcast diffs from other peers.
//
// Commands:
//   serve   - run the relay
//   start   - run a sync client against a project directory
//   status  - query a relay's /health endpoint
//   lock    - take a soft lock on a file
//   unlock  - release a soft lock
//   graph   - render a file's stored version chain via graphviz

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emicklei/dot"
	"github.com/goccy/go-graphviz"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nyroxsystems/partsync/client"
	"github.com/nyroxsystems/partsync/config"
	"github.com/nyroxsystems/partsync/journal"
	"github.com/nyroxsystems/partsync/relay"
	"github.com/nyroxsystems/partsync/store"
	"github.com/nyroxsystems/partsync/version"
	"github.com/nyroxsystems/partsync/wire"
)

func main() {
	var (
		configFile = kingpin.Flag(
			"config",
			"Config file for partsync.",
		).Default("partsync.yaml").Short('c').String()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()

		cmdServe = kingpin.Command("serve", "Run the relay server.")
		srvPort  = cmdServe.Flag("port", "Port to listen on (overrides config).").Int()
		srvDB    = cmdServe.Flag("db", "SQLite database file (overrides config).").String()
		srvJnl   = cmdServe.Flag("journal", "Audit journal file to append relay events to.").String()
		srvName  = cmdServe.Flag("name", "Relay display name.").Default("partsync-relay").String()
		srvToken = cmdServe.Flag("token", "Project token required from clients.").String()
		srvProf  = cmdServe.Flag("profile", "Enable CPU profiling.").Bool()

		cmdStart    = kingpin.Command("start", "Run a sync client for a project directory.")
		startServer = cmdStart.Flag("server", "Relay URL.").String()
		startDir    = cmdStart.Flag("dir", "Project directory to sync.").Default(".").String()
		startName   = cmdStart.Flag("name", "Display name for this client.").String()
		startIgnore = cmdStart.Flag("ignore", "Extra ignore pattern (repeatable).").Strings()
		startToken  = cmdStart.Flag("token", "Project token.").String()

		cmdStatus    = kingpin.Command("status", "Query relay health.")
		statusServer = cmdStatus.Flag("server", "Relay URL.").String()

		cmdLock    = kingpin.Command("lock", "Take a soft lock on a file.")
		lockFile   = cmdLock.Arg("file", "Project-relative file to lock.").Required().String()
		lockServer = cmdLock.Flag("server", "Relay URL.").String()
		lockName   = cmdLock.Flag("name", "Display name to lock as.").String()

		cmdUnlock    = kingpin.Command("unlock", "Release a soft lock on a file.")
		unlockFile   = cmdUnlock.Arg("file", "Project-relative file to unlock.").Required().String()
		unlockServer = cmdUnlock.Flag("server", "Relay URL.").String()
		unlockName   = cmdUnlock.Flag("name", "Display name holding the lock.").String()

		cmdGraph    = kingpin.Command("graph", "Write a file's version chain as a graphviz graph.")
		graphFile   = cmdGraph.Arg("file", "Project-relative file to graph.").Required().String()
		graphServer = cmdGraph.Flag("server", "Relay URL.").String()
		graphOut    = cmdGraph.Flag("output", "Dot file to write.").Short('o').Default("chain.dot").String()
		graphRender = cmdGraph.Flag("render", "Also render to this PNG/SVG file.").String()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("partsync")).Author("nyroxsystems")
	kingpin.CommandLine.Help = "Diff-based project sync: relay server and directory clients\n"
	kingpin.HelpFlag.Short('h')
	command := kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}
	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		logger.Errorf("error loading config file: %v", err)
		os.Exit(-1)
	}

	switch command {
	case "serve":
		if *srvPort != 0 {
			cfg.Port = *srvPort
		}
		if *srvDB != "" {
			cfg.DBFile = *srvDB
		}
		if *srvJnl != "" {
			cfg.JournalFile = *srvJnl
		}
		if *srvToken != "" {
			cfg.ProjectToken = *srvToken
		}
		if *srvProf {
			defer profile.Start(profile.ProfilePath(".")).Stop()
		}
		runServe(logger, cfg, *srvName)
	case "start":
		if *startServer != "" {
			cfg.ServerURL = *startServer
		}
		if *startDir != "" {
			cfg.ProjectDir = *startDir
		}
		if *startName != "" {
			cfg.ClientName = *startName
		}
		if *startToken != "" {
			cfg.ProjectToken = *startToken
		}
		cfg.Ignore = append(cfg.Ignore, *startIgnore...)
		runStart(logger, cfg)
	case "status":
		runStatus(serverOrDefault(*statusServer, cfg))
	case "lock":
		runLockCommand(logger, serverOrDefault(*lockServer, cfg), nameOrDefault(*lockName, cfg), cfg.ProjectToken, *lockFile, true)
	case "unlock":
		runLockCommand(logger, serverOrDefault(*unlockServer, cfg), nameOrDefault(*unlockName, cfg), cfg.ProjectToken, *unlockFile, false)
	case "graph":
		runGraph(logger, serverOrDefault(*graphServer, cfg), *graphFile, *graphOut, *graphRender)
	}
}

func serverOrDefault(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	return cfg.ServerURL
}

func nameOrDefault(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	if cfg.ClientName != "" {
		return cfg.ClientName
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}

func runServe(logger *logrus.Logger, cfg *config.Config, name string) {
	logger.Infof("%v", version.Print("partsync"))
	st, err := store.Open(cfg.DBFile, logger)
	if err != nil {
		logger.Errorf("error opening store: %v", err)
		os.Exit(-1)
	}
	defer st.Close()

	opts := relay.Options{Name: name, Port: cfg.Port, Token: cfg.ProjectToken}
	if cfg.JournalFile != "" {
		f, err := os.OpenFile(cfg.JournalFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Errorf("error opening journal: %v", err)
			os.Exit(-1)
		}
		defer f.Close()
		jnl := &journal.Journal{}
		jnl.SetWriter(f)
		jnl.WriteHeader(name)
		opts.Journal = jnl
	}

	r := relay.New(logger, st, opts)
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Infof("Shutting down")
		r.Close()
	}()
	if err := r.Run(); err != nil {
		logger.Errorf("relay failed: %v", err)
		os.Exit(-1)
	}
}

func runStart(logger *logrus.Logger, cfg *config.Config) {
	logger.Infof("%v", version.Print("partsync"))
	c, err := client.New(logger, cfg)
	if err != nil {
		logger.Errorf("error creating client: %v", err)
		os.Exit(-1)
	}
	if err := c.Start(); err != nil {
		logger.Errorf("error starting client: %v", err)
		os.Exit(-1)
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Infof("Shutting down")
	c.Stop()
}

func runStatus(server string) {
	resp, err := http.Get(server + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach %s: %v\n", server, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	var health struct {
		Status      string `json:"status"`
		Name        string `json:"name"`
		Version     string `json:"version"`
		Uptime      int64  `json:"uptime"`
		UptimeHuman string `json:"uptimeHuman"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "Bad health response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %s (version %s, up %s)\n", health.Name, health.Status, health.Version, health.UptimeHuman)
}

func runLockCommand(logger *logrus.Logger, server, name, token, file string, lock bool) {
	states, err := client.LockCommand(server, name, token, file, lock, "")
	if err != nil {
		logger.Errorf("lock command failed: %v", err)
		os.Exit(1)
	}
	for _, l := range states {
		marker := " "
		if l.File == file {
			marker = "*"
		}
		fmt.Printf("%s %s locked by %s (%s) since %s\n", marker, l.File, l.LockedBy, l.LockType,
			time.UnixMilli(l.Since).Format(time.RFC3339))
	}
	if lock {
		held := false
		for _, l := range states {
			if l.File == file && l.LockedBy == name {
				held = true
			}
		}
		if !held {
			fmt.Printf("lock on %s not granted\n", file)
			os.Exit(1)
		}
	}
}

// runGraph fetches a file's stored diff chain and writes it as a dot graph,
// one node per fingerprint, optionally rendered via graphviz.
func runGraph(logger *logrus.Logger, server, file, output, render string) {
	resp, err := http.Get(fmt.Sprintf("%s/api/diffs?file=%s", server, file))
	if err != nil {
		logger.Errorf("Failed to reach %s: %v", server, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	var diffs []wire.FileDiff
	if err := json.NewDecoder(resp.Body).Decode(&diffs); err != nil {
		logger.Errorf("Bad diff listing: %v", err)
		os.Exit(1)
	}
	if len(diffs) == 0 {
		logger.Warnf("No stored diffs for %s", file)
	}

	g := dot.NewGraph(dot.Directed)
	g.Attr("label", file)
	nodes := make(map[string]dot.Node)
	nodeFor := func(fp string) dot.Node {
		if n, ok := nodes[fp]; ok {
			return n
		}
		label := fp
		if label == "" {
			label = "(new)"
		}
		n := g.Node(label)
		nodes[fp] = n
		return n
	}
	// Newest first from the API; edges run prior -> next version.
	for i := len(diffs) - 1; i >= 0; i-- {
		d := diffs[i]
		g.Edge(nodeFor(d.PreviousVersion), nodeFor(d.Version),
			fmt.Sprintf("%s/%s #%d", d.Author, d.Type, d.ID))
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		logger.Errorf("Failed to create %s: %v", output, err)
		os.Exit(1)
	}
	if _, err := f.Write([]byte(g.String())); err != nil {
		f.Close()
		logger.Errorf("Failed to write %s: %v", output, err)
		os.Exit(1)
	}
	f.Close()
	logger.Infof("Wrote %s (%d diffs)", output, len(diffs))

	if render == "" {
		return
	}
	gv := graphviz.New()
	parsed, err := graphviz.ParseBytes([]byte(g.String()))
	if err != nil {
		logger.Errorf("Failed to parse dot output: %v", err)
		os.Exit(1)
	}
	format := graphviz.PNG
	if len(render) > 4 && render[len(render)-4:] == ".svg" {
		format = graphviz.SVG
	}
	if err := gv.RenderFilename(parsed, format, render); err != nil {
		logger.Errorf("Failed to render %s: %v", render, err)
		os.Exit(1)
	}
	logger.Infof("Rendered %s", render)
}
