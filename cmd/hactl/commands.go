package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/hacluster/internal/cluster"
)

func parseIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// listFlags are the filters shared by every list command.
type listFlags struct {
	name     string
	strict   bool
	sort     string
	page     int
	pageSize int
}

func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "filter by name (substring, case-insensitive)")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "match --name exactly")
	cmd.Flags().StringVar(&f.sort, "sort", "", "ASC or DESC")
	cmd.Flags().IntVar(&f.page, "page", 0, "page number")
	cmd.Flags().IntVar(&f.pageSize, "page-size", 0, "page size")
}

func (f *listFlags) query() url.Values {
	q := url.Values{}
	if f.name != "" {
		q.Set("name", f.name)
	}
	if f.strict {
		q.Set("strict", "true")
	}
	if f.sort != "" {
		q.Set("sort", f.sort)
	}
	if f.page > 0 {
		q.Set("page", strconv.Itoa(f.page))
	}
	if f.pageSize > 0 {
		q.Set("page_size", strconv.Itoa(f.pageSize))
	}
	return q
}

// Servers

func (c *cli) serversCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "servers", Short: "Manage servers"}

	var lf listFlags
	var modes []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := lf.query()
			for _, m := range modes {
				q.Add("mode", m)
			}
			page, err := c.client.ListServers(cmd.Context(), q)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(page.Items))
			for _, s := range page.Items {
				rows = append(rows, []string{
					itoa(s.Server.ID), s.Server.Name, s.Server.Endpoint(), string(s.Server.OperationMode),
					itoa(s.Server.ComputePower), optID(s.Server.AffinityGroupID), itoa(s.AgentCount),
					timestamp(s.Server.LastHeartbeat),
				})
			}
			return c.printer.print(page, []string{"ID", "NAME", "ENDPOINT", "MODE", "POWER", "GROUP", "AGENTS", "HEARTBEAT"}, rows)
		},
	}
	lf.register(list)
	list.Flags().StringSliceVar(&modes, "mode", nil, "filter by operation mode")

	mode := &cobra.Command{
		Use:   "mode MODE ID...",
		Short: "Change the operation mode of servers (NORMAL, MAINTENANCE)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := cluster.ParseOperationMode(args[0])
			if err != nil {
				return err
			}
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			n, err := c.client.SetMode(cmd.Context(), ids, m)
			if err != nil {
				return err
			}
			return c.printer.count(n, "server(s) now "+string(m))
		},
	}

	power := &cobra.Command{
		Use:   "power ID COMPUTE_POWER",
		Short: "Change the compute power of a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}
			p, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid compute power %q", args[1])
			}
			s, err := c.client.SetComputePower(cmd.Context(), ids[0], p)
			if err != nil {
				return err
			}
			return c.printer.done("server %s compute power %d", s.Name, s.ComputePower)
		},
	}

	del := &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete servers that are not in NORMAL mode",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			n, err := c.client.DeleteServers(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return c.printer.count(n, "server(s) deleted")
		},
	}

	agents := &cobra.Command{
		Use:   "agents ID",
		Short: "List the agents whose primary server is ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			agents, err := c.client.ServerAgents(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			return c.printer.print(agents, agentHeaders, agentRows(agents))
		},
	}

	health := &cobra.Command{
		Use:   "health [ID]",
		Short: "Show health check results, of every server or of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var report []cluster.ServerHealth
			if len(args) == 1 {
				ids, err := parseIDs(args)
				if err != nil {
					return err
				}
				h, err := c.client.ServerHealth(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				report = []cluster.ServerHealth{h}
			} else {
				var err error
				if report, err = c.client.HealthReport(cmd.Context()); err != nil {
					return err
				}
			}
			rows := make([][]string, 0, len(report))
			for _, h := range report {
				rows = append(rows, []string{
					h.Server, h.Status, itoa(h.ConsecutiveFails), timestamp(h.LastCheck), timestamp(h.LastHealthy),
				})
			}
			return c.printer.print(report, []string{"SERVER", "STATUS", "FAILURES", "LAST CHECK", "LAST HEALTHY"}, rows)
		},
	}

	cmd.AddCommand(list, mode, power, del, agents, health)
	return cmd
}

// Agents

var agentHeaders = []string{"ID", "NAME", "ENDPOINT", "SERVER", "GROUP", "LAST PING"}

func agentRows(agents []cluster.Agent) [][]string {
	rows := make([][]string, 0, len(agents))
	for _, a := range agents {
		ping := "-"
		if a.LastAvailabilityPing != nil {
			ping = timestamp(*a.LastAvailabilityPing)
		}
		rows = append(rows, []string{
			itoa(a.ID), a.Name, fmt.Sprintf("%s:%d", a.Address, a.Port),
			optID(a.ServerID), optID(a.AffinityGroupID), ping,
		})
	}
	return rows
}

func (c *cli) agentsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "Manage agents"}

	var lf listFlags
	var serverID, groupID int
	var withoutGroup bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := lf.query()
			if serverID > 0 {
				q.Set("server_id", strconv.Itoa(serverID))
			}
			if groupID > 0 {
				q.Set("group_id", strconv.Itoa(groupID))
			}
			if withoutGroup {
				q.Set("without_group", "true")
			}
			page, err := c.client.ListAgents(cmd.Context(), q)
			if err != nil {
				return err
			}
			return c.printer.print(page, agentHeaders, agentRows(page.Items))
		},
	}
	lf.register(list)
	list.Flags().IntVar(&serverID, "server-id", 0, "only agents connected to this server")
	list.Flags().IntVar(&groupID, "group-id", 0, "only agents in this affinity group")
	list.Flags().BoolVar(&withoutGroup, "without-group", false, "only agents in no affinity group")

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.DeleteAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			return c.printer.done("agent %s deleted", args[0])
		},
	}

	cmd.AddCommand(list, del)
	return cmd
}

// Affinity groups

func (c *cli) groupsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "groups", Aliases: []string{"affinity-groups"}, Short: "Manage affinity groups"}

	var lf listFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List affinity groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			page, err := c.client.ListAffinityGroups(cmd.Context(), lf.query())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(page.Items))
			for _, g := range page.Items {
				rows = append(rows, []string{itoa(g.Group.ID), g.Group.Name, itoa(g.AgentCount), itoa(g.ServerCount)})
			}
			return c.printer.print(page, []string{"ID", "NAME", "AGENTS", "SERVERS"}, rows)
		},
	}
	lf.register(list)

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an affinity group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := c.client.CreateAffinityGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printer.done("affinity group %s created with id %d", g.Name, g.ID)
		},
	}

	rename := &cobra.Command{
		Use:   "rename ID NAME",
		Short: "Rename an affinity group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}
			g, err := c.client.RenameAffinityGroup(cmd.Context(), ids[0], args[1])
			if err != nil {
				return err
			}
			return c.printer.done("affinity group %d renamed to %s", g.ID, g.Name)
		},
	}

	del := &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete affinity groups; their members keep running without a group",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			n, err := c.client.DeleteAffinityGroups(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return c.printer.count(n, "affinity group(s) deleted")
		},
	}

	cmd.AddCommand(list, create, rename, del,
		c.membersCommand("add-agents", "agents", true),
		c.membersCommand("remove-agents", "agents", false),
		c.membersCommand("add-servers", "servers", true),
		c.membersCommand("remove-servers", "servers", false),
	)
	return cmd
}

func (c *cli) membersCommand(use, kind string, add bool) *cobra.Command {
	verb := "Remove"
	if add {
		verb = "Add"
	}
	return &cobra.Command{
		Use:   use + " GROUP_ID ID...",
		Short: fmt.Sprintf("%s %s of an affinity group", verb, kind),
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			n, err := c.client.UpdateAffinityGroupMembers(cmd.Context(), ids[0], kind, ids[1:], add)
			if err != nil {
				return err
			}
			return c.printer.count(n, kind+" updated")
		},
	}
}

// Partition events

func (c *cli) eventsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Inspect the partition event log"}

	var lf listFlags
	var types, statuses []string
	var detail string
	list := &cobra.Command{
		Use:   "list",
		Short: "List partition events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := lf.query()
			q.Del("name")
			q.Del("strict")
			for _, t := range types {
				q.Add("type", strings.ToUpper(t))
			}
			for _, s := range statuses {
				q.Add("status", strings.ToUpper(s))
			}
			if detail != "" {
				q.Set("detail", detail)
			}
			page, err := c.client.ListPartitionEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(page.Items))
			for _, e := range page.Items {
				rows = append(rows, []string{
					strconv.FormatInt(e.ID, 10), timestamp(e.CreatedAt), string(e.Type), string(e.Status),
					e.SubjectName, e.Detail,
				})
			}
			return c.printer.print(page, []string{"ID", "TIME", "TYPE", "STATUS", "SUBJECT", "DETAIL"}, rows)
		},
	}
	lf.register(list)
	list.Flags().StringSliceVar(&types, "type", nil, "filter by event type")
	list.Flags().StringSliceVar(&statuses, "status", nil, "filter by execution status")
	list.Flags().StringVar(&detail, "detail", "", "filter by detail substring")

	var all bool
	del := &cobra.Command{
		Use:   "delete [ID...]",
		Short: "Delete partition events, or every event with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := cluster.EventIDsRequest{All: all}
			if !all {
				if len(args) == 0 {
					return fmt.Errorf("give event ids or --all")
				}
				for _, a := range args {
					id, err := strconv.ParseInt(a, 10, 64)
					if err != nil || id <= 0 {
						return fmt.Errorf("invalid id %q", a)
					}
					req.IDs = append(req.IDs, id)
				}
			}
			n, err := c.client.DeletePartitionEvents(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.printer.count(n, "event(s) deleted")
		},
	}
	del.Flags().BoolVar(&all, "all", false, "purge the whole log")

	cmd.AddCommand(list, del)
	return cmd
}

func (c *cli) repartitionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repartition",
		Short: "Recompute every agent's failover list now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.client.Repartition(cmd.Context())
			if err != nil {
				return err
			}
			if c.printer.json {
				return c.printer.print(e, nil, nil)
			}
			return c.printer.done("repartition event %d: %d failover list entries", e.ID, len(e.Details))
		},
	}
}

// Subjects

func (c *cli) subjectsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "subjects", Aliases: []string{"users"}, Short: "Manage users"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			subjects, err := c.client.ListSubjects(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(subjects))
			for _, s := range subjects {
				rows = append(rows, []string{itoa(s.ID), s.Name, strconv.FormatBool(s.LDAP), strconv.FormatBool(s.System)})
			}
			return c.printer.print(subjects, []string{"ID", "NAME", "LDAP", "SYSTEM"}, rows)
		},
	}

	var password string
	var ldap bool
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.client.CreateSubject(cmd.Context(), cluster.CreateSubjectRequest{Name: args[0], Password: password, LDAP: ldap})
			if err != nil {
				return err
			}
			return c.printer.done("user %s created with id %d", s.Name, s.ID)
		},
	}
	create.Flags().StringVar(&password, "user-password", "", "password of the new user")
	create.Flags().BoolVar(&ldap, "ldap", false, "the user authenticates against LDAP")

	del := &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			n, err := c.client.DeleteSubjects(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return c.printer.count(n, "user(s) deleted")
		},
	}

	passwd := &cobra.Command{
		Use:   "passwd NAME PASSWORD",
		Short: "Change the password of a local user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.ChangePassword(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return c.printer.done("password of %s changed", args[0])
		},
	}

	cmd.AddCommand(list, create, del, passwd)
	return cmd
}
