// Command hactl administers an HA cluster through the coordinator's admin API.
//
// Examples:
//
//	hactl servers list --mode NORMAL
//	hactl servers mode MAINTENANCE 3 4
//	hactl groups create east
//	hactl groups add-agents 1 10 11 12
//	hactl events list --type SERVER_DOWN -o json
//	hactl repartition
//
// The coordinator URL and credentials come from --url, --user and --password
// or from HACTL_URL, HACTL_USER and HACTL_PASSWORD.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/dreamware/hacluster/internal/cluster"
)

func main() {
	root := newRootCommand(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()), os.LookupEnv)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds what every subcommand needs.
type cli struct {
	url      string
	user     string
	password string
	output   string

	client  *cluster.Client
	printer *printer
}

func newRootCommand(out io.Writer, styled bool, lookup func(string) (string, bool)) *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "hactl",
		Short:        "Administer an HA cluster",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.output != "table" && c.output != "json" {
				return fmt.Errorf("--output must be table or json, got %q", c.output)
			}
			c.client = cluster.NewClient(c.url).WithCredentials(c.user, c.password)
			c.printer = &printer{out: cmd.OutOrStdout(), json: c.output == "json", styled: styled}
			return nil
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.url, "url", envOr(lookup, "HACTL_URL", "http://localhost:7080"), "coordinator URL")
	flags.StringVar(&c.user, "user", envOr(lookup, "HACTL_USER", "rhqadmin"), "admin user")
	flags.StringVar(&c.password, "password", envOr(lookup, "HACTL_PASSWORD", ""), "admin password")
	flags.StringVarP(&c.output, "output", "o", "table", "output format: table or json")

	root.AddCommand(
		c.serversCommand(),
		c.agentsCommand(),
		c.groupsCommand(),
		c.eventsCommand(),
		c.repartitionCommand(),
		c.subjectsCommand(),
	)
	return root
}

func envOr(lookup func(string) (string, bool), k, def string) string {
	if v, ok := lookup(k); ok && v != "" {
		return v
	}
	return def
}
