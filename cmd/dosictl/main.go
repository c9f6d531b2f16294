// Command dosictl administers a dosi data root directly, without going
// through the web panel. It is meant for the host the panel runs on.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unixabg/dosi/internal/auth"
	"github.com/unixabg/dosi/internal/config"
	"github.com/unixabg/dosi/internal/eventlog"
	"github.com/unixabg/dosi/internal/registry"
	"github.com/unixabg/dosi/internal/treestore"
)

// Version is set by the build.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries the settings shared by every subcommand.
type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	var profile string

	root := &cobra.Command{
		Use:   "dosictl",
		Short: "Manage dosi devices, groups and operator credentials",
		Long: `dosictl works directly on the dosi data root. It reads the same
configuration as dosid (DOSI_CONFIG and DOSI_* variables); flags and the
optional profile at $HOME/.config/dosi/dosictl.yaml override it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initProfile(profile)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&profile, "profile", "", "dosictl profile file (default $HOME/.config/dosi/dosictl.yaml)")
	pf.String("config", "", "dosid YAML config file (default $DOSI_CONFIG)")
	pf.String("data-root", "", "data root for the dir backend")
	pf.String("backend", "", "store backend: dir or sqlite")
	pf.String("sqlite", "", "database file for the sqlite backend")
	pf.String("event-log", "", "event log file")
	pf.Bool("json", false, "output in JSON format")
	for _, name := range []string{"config", "data-root", "backend", "sqlite", "event-log", "json"} {
		_ = a.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		a.newStatusCmd(),
		a.newPendingCmd(),
		a.newGroupsCmd(),
		a.newDevicesCmd(),
		a.newShowCmd(),
		a.newAdoptCmd(),
		a.newDeleteCmd(),
		a.newMoveCmd(),
		a.newRebootCmd(),
		a.newAliasCmd(),
		a.newGroupCmd(),
		a.newScriptCmd(),
		a.newReconcileCmd(),
		a.newCheckInCmd(),
		a.newLogsCmd(),
		a.newPasswdCmd(),
		a.newMigrateCmd(),
		newVersionCmd(),
	)
	return root
}

func (a *app) initProfile(profile string) error {
	if profile != "" {
		a.v.SetConfigFile(profile)
	} else {
		a.v.SetConfigName("dosictl")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath("$HOME/.config/dosi")
	}
	a.v.SetEnvPrefix("DOSICTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if profile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read profile: %w", err)
		}
	}
	return nil
}

// config resolves the dosid configuration plus command-line overrides.
func (a *app) config() config.Config {
	path := a.v.GetString("config")
	if path == "" {
		path = os.Getenv("DOSI_CONFIG")
	}
	cfg := config.Load(path)
	if s := a.v.GetString("data-root"); s != "" {
		cfg.DataRoot = s
	}
	if s := a.v.GetString("backend"); s != "" {
		cfg.Backend = s
	}
	if s := a.v.GetString("sqlite"); s != "" {
		cfg.SQLitePath = s
	}
	if s := a.v.GetString("event-log"); s != "" {
		cfg.EventLogPath = s
	}
	return cfg
}

// session is an open registry plus the resources behind it.
type session struct {
	reg    *registry.Registry
	store  treestore.Store
	events *eventlog.Log
	actor  auth.Actor
}

func (s *session) Close() {
	if s.events != nil {
		_ = s.events.Close()
	}
	_ = s.store.Close()
}

func (a *app) open() (*session, error) {
	cfg := a.config()
	store, err := treestore.Open(cfg.Backend, cfg.DataRoot, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	s := &session{store: store, actor: auth.System("dosictl")}
	var opts []registry.Option
	if ev, err := eventlog.Open(cfg.EventLogPath); err == nil {
		s.events = ev
		opts = append(opts, registry.WithJournal(ev))
	}
	if s.reg, err = registry.New(store, opts...); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// with opens the registry for the duration of fn.
func (a *app) with(fn func(s *session) error) error {
	s, err := a.open()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (a *app) jsonOutput() bool { return a.v.GetBool("json") }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

func ok(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dosictl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dosictl %s\n", Version)
		},
	}
}
