// Package terminal implements the interactive console: a prompt where
// addresses are reported and queried by hand, standing in for a debugger
// that has no sync integration of its own.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-delve/dlvsync/pkg/modules"
	"github.com/go-delve/dlvsync/pkg/proto"
	"github.com/go-delve/dlvsync/pkg/rln"
)

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Commands represents the commands of the console.
type Commands struct {
	cmds []command
	// names indexes every alias, the node metadata is the command index.
	names *trie.Trie
}

// SyncCommands returns a Commands struct with default commands defined.
func SyncCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"report", "r"}, cmdFn: report, helpMsg: `Reports a location to the analysis tool.

	report <address>

Connects to the analysis tool first if there is no sync session. The address
is hexadecimal with a 0x prefix, or decimal.`},
		{aliases: []string{"query", "rln"}, cmdFn: query, helpMsg: `Asks the analysis tool for the name of an address.

	query <address> [timeout]

Reports the address, then waits up to timeout (default: query-timeout from
the configuration) for the answer. Prints "-" if there is none.`},
		{aliases: []string{"modules", "mods"}, cmdFn: listModules, helpMsg: `Lists the modules known to the resolver.

	modules [filter]`},
		{aliases: []string{"refresh"}, cmdFn: refresh, helpMsg: `Reloads the memory map of the target process.`},
		{aliases: []string{"status", "st"}, cmdFn: status, helpMsg: `Prints the state of the sync session and the last reported location.`},
		{aliases: []string{"close"}, cmdFn: closeSession, helpMsg: `Ends the sync session. The next report starts a new one.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter. Changes to host, port,
client-id, dialect and connect-timeout apply to the next sync session.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exits the console, ending the sync session.`},
	}
	c.index()
	return c
}

func (c *Commands) index() {
	c.names = trie.New()
	for i, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, i)
		}
	}
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

// Complete returns the command names starting with prefix.
func (c *Commands) Complete(prefix string) []string {
	if strings.ContainsAny(prefix, " \t") {
		return nil
	}
	r := c.names.PrefixSearch(strings.ToLower(prefix))
	sort.Strings(r)
	return r
}

var noCmdError = errors.New("command not available")

// Find will look up the command function for the given command name.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	node, ok := c.names.Find(cmdstr)
	if !ok {
		return noCmdAvailable
	}
	return c.cmds[node.Meta().(int)].cmdFn
}

// Call takes a command line and executes it.
func (c *Commands) Call(cmdstr string, t *Term) error {
	cmdstr = strings.TrimSpace(cmdstr)
	if cmdstr == "" {
		return nil
	}
	v, err := argv.Argv(cmdstr,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return err
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return fmt.Errorf("illegal command line '%s'", cmdstr)
	}
	return c.Find(v[0][0])(t, v[0][1:])
}

func noCmdAvailable(t *Term, args []string) error {
	return noCmdError
}

func nullCommand(t *Term, args []string) error {
	return nil
}

func (c *Commands) help(t *Term, args []string) error {
	if len(args) > 0 {
		node, ok := c.names.Find(args[0])
		if !ok {
			return noCmdError
		}
		fmt.Fprintln(t.stdout, c.cmds[node.Meta().(int)].helpMsg)
		return nil
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "\nType help followed by a command for full documentation.")
	return nil
}

func parseAddressArg(args []string, usage string) (proto.Address, error) {
	if len(args) == 0 {
		return proto.NoAddress, fmt.Errorf("not enough arguments, usage: %s", usage)
	}
	return proto.ParseAddress(args[0])
}

func report(t *Term, args []string) error {
	if len(args) > 1 {
		return errors.New("too many arguments, usage: report <address>")
	}
	addr, err := parseAddressArg(args, "report <address>")
	if err != nil {
		return err
	}
	t.tracker.Report(context.Background(), addr)
	return t.printLocation()
}

func query(t *Term, args []string) error {
	addr, err := parseAddressArg(args, "query <address> [timeout]")
	if err != nil {
		return err
	}
	timeout := t.conf.QueryTimeout
	switch len(args) {
	case 1:
	case 2:
		timeout, err = time.ParseDuration(args[1])
		if err != nil {
			return err
		}
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", args[1])
		}
	default:
		return errors.New("too many arguments, usage: query <address> [timeout]")
	}
	answer, err := t.query.Ask(context.Background(), addr, timeout)
	if err != nil {
		if errors.Is(err, rln.ErrPending) {
			return err
		}
		fmt.Fprintf(t.stdout, "%s (%v)\n", rln.Unknown, err)
		return nil
	}
	fmt.Fprintln(t.stdout, answer)
	return nil
}

func listModules(t *Term, args []string) error {
	l, ok := t.tracker.Resolver().(modules.Lister)
	if !ok {
		return errors.New("the module resolver can not list modules")
	}
	var filter string
	if len(args) > 0 {
		filter = args[0]
	}
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	for _, mod := range l.Modules() {
		if filter != "" && !strings.Contains(mod.Path, filter) {
			continue
		}
		fmt.Fprintf(w, "%#016x\t%#016x\t%s\n", uint64(mod.Base), uint64(mod.End()), mod.Path)
	}
	return w.Flush()
}

func refresh(t *Term, args []string) error {
	r, ok := t.tracker.Resolver().(modules.Refresher)
	if !ok {
		return errors.New("the module resolver has nothing to refresh")
	}
	return r.Refresh()
}

func status(t *Term, args []string) error {
	tun := t.tracker.Tunnel()
	if tun == nil {
		fmt.Fprintf(t.stdout, "sync:     not started (%s:%d)\n", t.conf.Host, t.conf.Port)
	} else {
		fmt.Fprintf(t.stdout, "sync:     %s (%s)\n", tun.State(), tun.Endpoint())
	}
	return t.printLocation()
}

func closeSession(t *Term, args []string) error {
	t.tracker.Close()
	return nil
}

// ExitRequestError is returned when the user
// exits the console.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args []string) error {
	return ExitRequestError{}
}
