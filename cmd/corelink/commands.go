package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corelink-dev/corelink/internal/engine"
	"github.com/corelink-dev/corelink/internal/health"
	"github.com/corelink-dev/corelink/internal/link"
	"github.com/corelink-dev/corelink/internal/probe"
	"github.com/corelink-dev/corelink/internal/registry"
	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
	"github.com/corelink-dev/corelink/internal/subscription"
	"github.com/corelink-dev/corelink/internal/testcore"
	"github.com/spf13/cobra"
)

func init() {
	// Add
	var addGroup string
	var addCmd = &cobra.Command{
		Use:   "add <link>...",
		Short: "Add servers from share links",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, reg, err := openRegistry()
			if err != nil {
				return err
			}
			sink := newLogger()
			orch := testcore.New(sink.logger)
			eng := probe.New(orch, reg, sink, sink.logger)
			// Fires only when health_check_auto_start is enabled.
			reg.SetAutoCheck(func(group string) {
				eng.TestAllTCP(reg.GetServersByGroup(group), store.Snapshot())
			})
			added := 0
			for _, raw := range args {
				if reg.AddManualServer(raw, addGroup) {
					added++
				} else {
					fmt.Printf("Skipped: %s\n", truncateLink(raw))
				}
			}
			if added > 0 {
				if err := reg.Save(); err != nil {
					return err
				}
			}
			fmt.Printf("Added %d of %d server(s).\n", added, len(args))
			return nil
		},
	}
	addCmd.Flags().StringVar(&addGroup, "group", "", "Target group (default: derived from link name)")
	rootCmd.AddCommand(addCmd)

	// Import WireGuard
	var wgName string
	var importWGCmd = &cobra.Command{
		Use:   "import-wg <file>",
		Short: "Import a WireGuard configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read wireguard config: %w", err)
			}
			name := wgName
			if name == "" {
				name = strings.TrimSuffix(args[0], ".conf")
			}
			rec := link.ParseWireGuard(string(data), name)
			if rec == nil {
				return fmt.Errorf("invalid wireguard config %q", args[0])
			}
			_, reg, err := openRegistry()
			if err != nil {
				return err
			}
			if !reg.AddRecord(rec, "") {
				return fmt.Errorf("duplicate server, not added")
			}
			if err := reg.Save(); err != nil {
				return err
			}
			fmt.Printf("Imported %s (%s:%d).\n", rec.Name, rec.Server, rec.Port)
			return nil
		},
	}
	importWGCmd.Flags().StringVar(&wgName, "name", "", "Server name (default: file name)")
	rootCmd.AddCommand(importWGCmd)

	// List
	var listGroup string
	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := openRegistry()
			if err != nil {
				return err
			}
			var servers []*server.Record
			if listGroup != "" {
				servers = reg.GetServersByGroup(listGroup)
			} else {
				servers = reg.GetAllServers()
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tGroup\tName\tProtocol\tEndpoint\tPing")
			for _, rec := range servers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s:%d\t%s\n",
					shortID(rec.ID), rec.Group, rec.Name, rec.Protocol,
					rec.Server, rec.Port, formatPing(rec.Ping))
			}
			w.Flush()
			return nil
		},
	}
	listCmd.Flags().StringVar(&listGroup, "group", "", "Only list servers in this group")
	rootCmd.AddCommand(listCmd)

	// Update subscriptions
	var updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Fetch all enabled subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, reg, err := openRegistry()
			if err != nil {
				return err
			}
			sink := newLogger()
			fetcher := subscription.New(reg, sink, sink.logger)
			fetcher.SetWorkerLimit(store.Snapshot().WorkerPoolSize)
			results := fetcher.Update(context.Background(), store.Subscriptions())
			if len(results) == 0 {
				fmt.Println("No enabled subscriptions.")
				return nil
			}
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Printf("%s: %v\n", res.Name, res.Err)
					continue
				}
				fmt.Printf("%s: %d new server(s)\n", res.Name, res.Added)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d subscription(s) failed", failed, len(results))
			}
			return nil
		},
	}
	rootCmd.AddCommand(updateCmd)

	// Dedupe
	var dedupeCmd = &cobra.Command{
		Use:   "dedupe",
		Short: "Remove duplicate servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := openRegistry()
			if err != nil {
				return err
			}
			removed := reg.RemoveDuplicateServers()
			fmt.Printf("Removed %d duplicate(s).\n", removed)
			return nil
		},
	}
	rootCmd.AddCommand(dedupeCmd)

	// Delete
	var deleteGroupName string
	var deleteCmd = &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a server or a whole group",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := openRegistry()
			if err != nil {
				return err
			}
			if deleteGroupName != "" {
				if !reg.DeleteGroup(deleteGroupName) {
					return fmt.Errorf("group %q not found", deleteGroupName)
				}
				fmt.Printf("Group %s deleted.\n", deleteGroupName)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("server id or --group is required")
			}
			rec := findServer(reg, args[0])
			if rec == nil {
				return fmt.Errorf("server %q not found", args[0])
			}
			if !reg.DeleteServer(rec) {
				return fmt.Errorf("delete failed for %q", args[0])
			}
			fmt.Printf("Server %s deleted.\n", rec.Name)
			return nil
		},
	}
	deleteCmd.Flags().StringVar(&deleteGroupName, "group", "", "Delete this group and all its servers")
	rootCmd.AddCommand(deleteCmd)

	// Test
	var testGroup string
	var testCmd = &cobra.Command{
		Use:   "test [tcp|url]",
		Short: "Probe server connectivity through a local test core",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := "tcp"
			if len(args) > 0 {
				kind = args[0]
			}
			store, reg, err := openRegistry()
			if err != nil {
				return err
			}
			var servers []*server.Record
			if testGroup != "" {
				servers = reg.GetServersByGroup(testGroup)
			} else {
				servers = reg.GetAllServers()
			}
			if len(servers) == 0 {
				fmt.Println("No servers to test.")
				return nil
			}

			sink := newLogger()
			orch := testcore.New(sink.logger)
			eng := probe.New(orch, reg, sink, sink.logger)
			st := store.Snapshot()

			switch kind {
			case "tcp":
				eng.TestAllTCP(servers, st)
			case "url":
				eng.TestAllURL(servers, st)
			default:
				return fmt.Errorf("unknown probe kind %q (want tcp or url)", kind)
			}
			return reg.Save()
		},
	}
	testCmd.Flags().StringVar(&testGroup, "group", "", "Only test servers in this group")
	rootCmd.AddCommand(testCmd)

	// Watch
	var watchMetricsAddr string
	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Run periodic health checks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, reg, err := openRegistry()
			if err != nil {
				return err
			}
			sink := newLogger()
			orch := testcore.New(sink.logger)
			eng := probe.New(orch, reg, sink, sink.logger)

			if watchMetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				go func() {
					if err := http.ListenAndServe(watchMetricsAddr, mux); err != nil {
						sink.logger.Error("metrics endpoint failed", "addr", watchMetricsAddr, "error", err)
					}
				}()
			}

			st := store.Snapshot()
			interval := time.Duration(st.HealthCheckInterval) * time.Minute
			run := func() {
				eng.TestAllTCP(reg.GetAllServers(), store.Snapshot())
			}

			checker := health.New(sink.logger)
			if err := checker.Start(interval, run); err != nil {
				return err
			}
			defer checker.Stop()

			run()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			eng.Cancel()
			return nil
		},
	}
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics", "", "Serve prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)

	// Generate
	var genCore, genOutput string
	var genTest bool
	var genCmd = &cobra.Command{
		Use:   "gen <id>",
		Short: "Generate engine configuration for a server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, reg, err := openRegistry()
			if err != nil {
				return err
			}
			st := store.Snapshot()
			core := genCore
			if core == "" {
				core = st.ActiveCore
			}
			gen := engine.ForCore(core)

			var out []byte
			if genTest {
				var servers []*server.Record
				for _, arg := range args {
					rec := findServer(reg, arg)
					if rec == nil {
						return fmt.Errorf("server %q not found", arg)
					}
					servers = append(servers, rec)
				}
				out, err = gen.GenerateTestConfig(servers, st)
			} else {
				rec := findServer(reg, args[0])
				if rec == nil {
					return fmt.Errorf("server %q not found", args[0])
				}
				out, err = gen.GenerateConfig(rec, reg.GetByID, st)
			}
			if err != nil {
				return fmt.Errorf("generate %s config: %w", gen.Name(), err)
			}

			if genOutput != "" {
				if err := os.WriteFile(genOutput, out, 0644); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				fmt.Printf("Wrote %s configuration to %s\n", gen.Name(), genOutput)
				return nil
			}
			fmt.Println(string(out))
			return nil
		},
	}
	genCmd.Flags().StringVar(&genCore, "core", "", "Target engine (sing-box|xray, default: active core)")
	genCmd.Flags().StringVar(&genOutput, "output", "", "Output file path (default: stdout)")
	genCmd.Flags().BoolVar(&genTest, "test", false, "Generate a multi-server test configuration")
	rootCmd.AddCommand(genCmd)

	// Engines
	var enginesCmd = &cobra.Command{
		Use:   "engines",
		Short: "List engines and their installed binaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := settings.Open(settingsPath)
			if err != nil {
				return err
			}
			st := store.Snapshot()
			active := st.ActiveCore
			if active == "" {
				active = engine.CoreSingBox
			}

			overrides := map[string]string{
				engine.CoreSingBox: st.SingBoxPath,
				engine.CoreXray:    st.XrayPath,
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, " \tEngine\tBinary\tVersion")
			for _, name := range []string{engine.CoreSingBox, engine.CoreXray} {
				marker := " "
				if name == active {
					marker = "*"
				}
				binary := overrides[name]
				if binary == "" {
					binary, _ = exec.LookPath(name)
				}
				if binary == "" {
					fmt.Fprintf(w, "%s\t%s\t(not installed)\t-\n", marker, name)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, name, binary, engineVersion(binary))
			}
			w.Flush()
			return nil
		},
	}
	rootCmd.AddCommand(enginesCmd)

	// Version
	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("CoreLink %s\n", Version)
			fmt.Printf("Commit: %s\n", Commit)
			fmt.Printf("Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)
}

// Helper functions

func openRegistry() (*settings.Store, *registry.Registry, error) {
	store, err := settings.Open(settingsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open settings: %w", err)
	}
	sink := newLogger()
	reg := registry.New(store, sink, sink.logger)
	if err := reg.Load(); err != nil {
		return nil, nil, fmt.Errorf("load servers: %w", err)
	}
	return store, reg, nil
}

// findServer resolves an identifier to a record, accepting a full id, an id
// prefix, or an exact name.
func findServer(reg *registry.Registry, ident string) *server.Record {
	if rec := reg.GetByID(ident); rec != nil {
		return rec
	}
	var match *server.Record
	for _, rec := range reg.GetAllServers() {
		if rec.Name == ident || strings.HasPrefix(rec.ID, ident) {
			if match != nil {
				return nil // ambiguous
			}
			match = rec
		}
	}
	return match
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatPing(ping int) string {
	switch {
	case ping == server.PingFailed:
		return "failed"
	case ping == 0:
		return "-"
	default:
		return fmt.Sprintf("%dms", ping)
	}
}

// engineVersion runs the binary's version subcommand and returns the first
// output line, best-effort.
func engineVersion(binary string) string {
	out, err := exec.Command(binary, "version").Output()
	if err != nil {
		return "-"
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		return "-"
	}
	return line
}

func truncateLink(raw string) string {
	if len(raw) > 64 {
		return raw[:64] + "..."
	}
	return raw
}

// logSink routes registry and probe events onto the terminal and the
// structured logger.
type logSink struct {
	logger *slog.Logger
}

func (s *logSink) Log(message, level string) {
	switch level {
	case "error":
		s.logger.Error(message)
	case "warn":
		s.logger.Warn(message)
	case "debug":
		s.logger.Debug(message)
	default:
		s.logger.Info(message)
	}
}

func (s *logSink) OnServersLoaded()  {}
func (s *logSink) OnServersUpdated() {}

func (s *logSink) OnPingResult(rec *server.Record, value int, kind server.ProbeKind) {
	fmt.Printf("%-40s %s\n", rec.Name, formatPing(value))
}

func (s *logSink) OnUpdateStart() {
	fmt.Println("Updating subscriptions...")
}

func (s *logSink) OnUpdateFinish(errs []error) {}

func (s *logSink) ShowWarning(title, message string) {
	s.logger.Warn(title, "detail", message)
}

func (s *logSink) ShowInfo(title, message string) {
	s.logger.Info(title, "detail", message)
}

func (s *logSink) ShowError(title, message string) {
	s.logger.Error(title, "detail", message)
}

func (s *logSink) RequestSave() {}
