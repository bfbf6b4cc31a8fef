package cmds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/go-delve/dlvsync/cmd/dlvsync/cmds/helphelpers"
	"github.com/go-delve/dlvsync/pkg/config"
	"github.com/go-delve/dlvsync/pkg/dapsync"
	"github.com/go-delve/dlvsync/pkg/logflags"
	"github.com/go-delve/dlvsync/pkg/modules"
	"github.com/go-delve/dlvsync/pkg/peer"
	"github.com/go-delve/dlvsync/pkg/proto"
	"github.com/go-delve/dlvsync/pkg/rln"
	"github.com/go-delve/dlvsync/pkg/terminal"
	"github.com/go-delve/dlvsync/pkg/tracker"
	"github.com/go-delve/dlvsync/pkg/tunnel"
	"github.com/go-delve/dlvsync/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile overrides the default config file location.
	configFile string
	// host and port of the analysis tool, override the config file.
	host string
	port int

	// attachPid is the process whose memory map resolves modules.
	attachPid int
	// attachName selects the process by executable name instead.
	attachName string

	// adapterAddr is the address of the debug adapter behind the DAP proxy.
	adapterAddr string
	// listenAddr is where the DAP proxy or the peer accepts connections.
	listenAddr string

	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const dlvsyncCommandLongDesc = `dlvsync mirrors the location of a debugged process to a binary analysis tool.

Every time the debugger stops, the address of the current instruction is
resolved to the module containing it and sent, together with the module base,
over a line oriented sync session. The analysis tool can be asked for the
symbolic name of an address with remote queries.

The session is opened lazily on the first location and reopened after it is
lost.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Main dlvsync root command.
	rootCommand = &cobra.Command{
		Use:   "dlvsync",
		Short: "dlvsync keeps a binary analysis tool in sync with a debugger.",
		Long:  dlvsyncCommandLongDesc,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadConfig(cmd)
		},
	}

	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Path of the configuration file (default: config.yml in the dlvsync configuration directory).")
	rootCommand.PersistentFlags().StringVar(&host, "host", config.DefaultHost, "Host of the analysis tool.")
	rootCommand.PersistentFlags().IntVar(&port, "port", config.DefaultPort, "Port of the analysis tool.")

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dlvsync help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dlvsync help log').")

	// 'console' subcommand.
	consoleCommand := &cobra.Command{
		Use:   "console",
		Short: "Reports and queries addresses from an interactive prompt.",
		Long: `Starts an interactive prompt to report locations and run remote queries by hand.

Modules are resolved from the memory map of the process given with --pid or
--attach-name, or from the static module table of the configuration file.`,
		Args: cobra.NoArgs,
		Run:  consoleCmd,
	}
	consoleCommand.Flags().IntVar(&attachPid, "pid", 0, "Resolve modules from the memory map of this process.")
	consoleCommand.Flags().StringVar(&attachName, "attach-name", "", "Resolve modules from the memory map of the process running this executable.")
	rootCommand.AddCommand(consoleCommand)

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Follows a debugger driven over the Debug Adapter Protocol (DAP).",
		Long: `Starts a TCP proxy between an editor and a debug adapter.

Every message is forwarded unchanged. Whenever the editor fetches the innermost
frames of a stack trace the location of the top frame is reported to the
analysis tool. When the adapter announces the debugged process its memory map
is used to resolve modules, and the sync session ends with the debuggee.

Start the debug adapter (for example 'dlv dap --listen=127.0.0.1:4711'), then
point the editor at the address printed by this command.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if adapterAddr == "" {
				return errors.New("you must provide the address of the debug adapter with --adapter")
			}
			loadConfig(cmd)
			return nil
		},
		Run: dapCmd,
	}
	dapCommand.Flags().StringVarP(&listenAddr, "listen", "l", "127.0.0.1:0", "Address editors connect to.")
	dapCommand.Flags().StringVar(&adapterAddr, "adapter", "", "Address of the debug adapter.")
	dapCommand.Flags().IntVar(&attachPid, "pid", 0, "Resolve modules from the memory map of this process until the adapter announces one.")
	rootCommand.AddCommand(dapCommand)

	// 'peer' subcommand.
	peerCommand := &cobra.Command{
		Use:   "peer",
		Short: "Runs a stand-in analysis tool that prints what it receives.",
		Long: `Listens for sync sessions and prints every line received.

Remote queries are answered with the queried address, which makes it possible
to try the console and the DAP proxy without an analysis tool.`,
		Args: cobra.NoArgs,
		Run:  peerCmd,
	}
	peerCommand.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (default: the configured host and port).")
	rootCommand.AddCommand(peerCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dlvsync\n%s\n", version.DlvsyncVersion)
			if verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	tunnel		Log sync session state changes and transport errors (default)
	tracker		Log reported locations and module changes
	rln		Log remote queries
	modules		Log module resolution and memory map loading
	dap		Log the DAP proxy
	peer		Log the stand-in analysis tool
	console		Log failed console commands

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true
	usage := rootCommand.UsageFunc()
	rootCommand.SetUsageFunc(func(cmd *cobra.Command) error {
		helphelpers.Prepare(cmd)
		return usage(cmd)
	})
	if docCall {
		// keep generated documentation independent of the local config
		conf = config.Default()
	}

	return rootCommand
}

// loadConfig reads the configuration file and applies the command line
// overrides.
func loadConfig(cmd *cobra.Command) {
	conf = config.LoadConfig(configFile)
	if f := cmd.Flags().Lookup("host"); f != nil && f.Changed {
		conf.Host = host
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		conf.Port = port
	}
}

// newTunnel returns a tunnel factory reading the session parameters of conf
// at every call, so that changes made from the console apply to the next
// session.
func newTunnel(conf *config.Config) func() *tunnel.Tunnel {
	return func() *tunnel.Tunnel {
		return tunnel.New(tunnel.Config{
			Endpoint:       tunnel.Endpoint{Host: conf.Host, Port: conf.Port},
			ClientID:       conf.ClientID,
			Dialect:        conf.Dialect,
			ConnectTimeout: conf.ConnectTimeout,
		})
	}
}

// processResolver resolves modules from the memory map of pid.
func processResolver(conf *config.Config, pid int) (modules.Resolver, error) {
	maps, err := modules.NewMaps(pid, logflags.ModulesLogger())
	if err != nil {
		return nil, err
	}
	if conf.ModuleCacheSize <= 0 {
		return maps, nil
	}
	return modules.NewCache(maps, conf.ModuleCacheSize)
}

// staticResolver resolves modules from the table in the configuration file.
func staticResolver(conf *config.Config) (modules.Resolver, error) {
	mods := make([]modules.Module, 0, len(conf.Modules))
	for _, e := range conf.Modules {
		mods = append(mods, modules.Module{Path: e.Path, Base: proto.Address(e.Base), Size: e.Size})
	}
	return modules.NewTable(mods)
}

func newResolver(conf *config.Config, pid int, name string) (modules.Resolver, error) {
	if name != "" {
		var err error
		pid, err = modules.FindPid(name)
		if err != nil {
			return nil, err
		}
	}
	if pid != 0 {
		return processResolver(conf, pid)
	}
	return staticResolver(conf)
}

func consoleCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		resolver, err := newResolver(conf, attachPid, attachName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not load modules: %v\n", err)
			return 1
		}
		tr := tracker.New(tracker.Config{Resolver: resolver, NewTunnel: newTunnel(conf)})
		term := terminal.New(tr, rln.New(tr, nil), conf)
		status, err := term.Run()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		return status
	}()
	os.Exit(status)
}

func dapCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		resolver, err := newResolver(conf, attachPid, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not load modules: %v\n", err)
			return 1
		}
		tr := tracker.New(tracker.Config{Resolver: resolver, NewTunnel: newTunnel(conf)})
		defer tr.Close()

		listener, err := net.Listen("tcp", listenAddr)
		if err != nil {
			fmt.Printf("couldn't start listener: %s\n", err)
			return 1
		}
		server := dapsync.NewServer(listener, adapterAddr, dapsync.Config{
			Tracker: tr,
			NewResolver: func(pid int) (modules.Resolver, error) {
				return processResolver(conf, pid)
			},
		})
		fmt.Printf("DAP proxy listening at: %s\n", server.Addr())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := server.Serve(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}()
	os.Exit(status)
}

func peerCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		addr := listenAddr
		if addr == "" {
			addr = net.JoinHostPort(conf.Host, strconv.Itoa(conf.Port))
		}
		p, err := peer.Listen(addr, peerConfig(os.Stdout))
		if err != nil {
			fmt.Printf("couldn't start listener: %s\n", err)
			return 1
		}
		fmt.Printf("Peer listening at: %s\n", p.Addr())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		go func() {
			<-ctx.Done()
			p.Close()
		}()
		if err := p.Serve(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}()
	os.Exit(status)
}
