package main

import (
	"context"
	"fmt"

	"github.com/orthancfleet/cockpit/pkg/lifecycle"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/topology"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/spf13/cobra"
)

// Server commands
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage Orthanc servers",
}

var serverAddCmd = &cobra.Command{
	Use:   "add AET",
	Short: "Provision a new Orthanc server on a swarm host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		host, _ := cmd.Flags().GetString("host")
		web, _ := cmd.Flags().GetInt("web-port")
		dicom, _ := cmd.Flags().GetInt("dicom-port")
		if name == "" {
			name = args[0]
		}

		return withApp(func(ctx context.Context, a *app) error {
			a.syncHosts(ctx)
			server, err := a.lifecycle.AddServer(ctx, lifecycle.ServerSpec{
				DisplayName:        name,
				AET:                args[0],
				HostName:           host,
				PublishedPortWeb:   web,
				PublishedPortDicom: dicom,
			})
			if err != nil {
				return fmt.Errorf("failed to add server: %w", err)
			}
			fmt.Printf("✓ Server created: %s (UUID: %s, service: %s)\n", server.AET, server.UUID, server.ServiceHandle)
			return nil
		})
	},
}

var serverAddRemoteCmd = &cobra.Command{
	Use:   "add-remote AET",
	Short: "Register an Orthanc server the fleet does not run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := lifecycle.RemoteServerSpec{AET: args[0]}
		spec.DisplayName, _ = cmd.Flags().GetString("name")
		spec.IP, _ = cmd.Flags().GetString("ip")
		spec.PublishedPortWeb, _ = cmd.Flags().GetInt("web-port")
		spec.PublishedPortDicom, _ = cmd.Flags().GetInt("dicom-port")
		spec.Username, _ = cmd.Flags().GetString("username")
		spec.Password, _ = cmd.Flags().GetString("password")
		if spec.DisplayName == "" {
			spec.DisplayName = args[0]
		}

		return withApp(func(ctx context.Context, a *app) error {
			server, err := a.lifecycle.AddRemoteServer(ctx, spec)
			if err != nil {
				return fmt.Errorf("failed to add remote server: %w", err)
			}
			fmt.Printf("✓ Remote server registered: %s (UUID: %s)\n", server.AET, server.UUID)
			return nil
		})
	},
}

var serverEditCmd = &cobra.Command{
	Use:   "edit AET",
	Short: "Change a server's settings",
	Long: `Change a server's settings. Only the given flags change.

Moving a managed server to another --host migrates it: a new server is
provisioned there, the old one's instances, connections, users and tags are
copied over and the old server is deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			current, err := serverByAET(a.store, args[0])
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if current.IsRemote {
				spec := lifecycle.RemoteSpecOf(current)
				if flags.Changed("name") {
					spec.DisplayName, _ = flags.GetString("name")
				}
				if flags.Changed("aet") {
					spec.AET, _ = flags.GetString("aet")
				}
				if flags.Changed("ip") {
					spec.IP, _ = flags.GetString("ip")
				}
				if flags.Changed("web-port") {
					spec.PublishedPortWeb, _ = flags.GetInt("web-port")
				}
				if flags.Changed("dicom-port") {
					spec.PublishedPortDicom, _ = flags.GetInt("dicom-port")
				}
				spec.Username, _ = flags.GetString("username")
				spec.Password, _ = flags.GetString("password")

				server, err := a.lifecycle.EditRemoteServer(ctx, current.UUID, spec)
				if err != nil {
					return fmt.Errorf("failed to edit remote server: %w", err)
				}
				fmt.Printf("✓ Remote server updated: %s\n", server.AET)
				return nil
			}

			spec := lifecycle.SpecOf(current)
			if flags.Changed("name") {
				spec.DisplayName, _ = flags.GetString("name")
			}
			if flags.Changed("aet") {
				spec.AET, _ = flags.GetString("aet")
			}
			if flags.Changed("host") {
				spec.HostName, _ = flags.GetString("host")
			}
			if flags.Changed("web-port") {
				spec.PublishedPortWeb, _ = flags.GetInt("web-port")
			}
			if flags.Changed("dicom-port") {
				spec.PublishedPortDicom, _ = flags.GetInt("dicom-port")
			}

			a.syncHosts(ctx)
			server, err := a.lifecycle.EditServer(ctx, current.UUID, spec)
			if err != nil {
				return fmt.Errorf("failed to edit server: %w", err)
			}
			if server.UUID != current.UUID {
				fmt.Printf("✓ Server migrated: %s (new UUID: %s, host: %s)\n", server.AET, server.UUID, server.HostName)
				return nil
			}
			fmt.Printf("✓ Server updated: %s (configuration V%d)\n", server.AET, server.ConfigurationVersion)
			return nil
		})
	},
}

var serverDeleteCmd = &cobra.Command{
	Use:   "delete AET",
	Short: "Delete a server and its fleet service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			server, err := serverByAET(a.store, args[0])
			if err != nil {
				return err
			}
			if err := a.lifecycle.DeleteNode(ctx, server.UUID); err != nil {
				return fmt.Errorf("failed to delete server: %w", err)
			}
			fmt.Printf("✓ Server deleted: %s\n", server.AET)
			return nil
		})
	},
}

var serverGetCmd = &cobra.Command{
	Use:   "get AET",
	Short: "Show a server with its users and tags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withApp(func(ctx context.Context, a *app) error {
			server, err := serverByAET(a.store, args[0])
			if err != nil {
				return err
			}
			var view *topology.ServerView
			err = a.store.View(func(tx storage.Tx) error {
				view, err = a.viewer.Server(tx, server.UUID)
				return err
			})
			if err != nil {
				return err
			}
			return printObject(output, view)
		})
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			var views []topology.ServerView
			err := a.store.View(func(tx storage.Tx) error {
				var err error
				views, err = a.viewer.Servers(tx)
				return err
			})
			if err != nil {
				return err
			}

			if len(views) == 0 {
				fmt.Println("No servers")
				return nil
			}
			fmt.Printf("%-16s %-20s %-8s %-16s %-6s %-6s %s\n", "AET", "NAME", "STATUS", "ADDRESS", "WEB", "DICOM", "USERS")
			for _, v := range views {
				fmt.Printf("%-16s %-20s %-8s %-16s %-6d %-6d %d\n",
					v.AET, v.DisplayName, v.Status, v.HostIP, v.PublishedPortWeb, v.PublishedPortDicom, len(v.Users))
			}
			return nil
		})
	},
}

func init() {
	serverCmd.AddCommand(serverAddCmd)
	serverCmd.AddCommand(serverAddRemoteCmd)
	serverCmd.AddCommand(serverEditCmd)
	serverCmd.AddCommand(serverDeleteCmd)
	serverCmd.AddCommand(serverGetCmd)
	serverCmd.AddCommand(serverListCmd)

	serverAddCmd.Flags().String("name", "", "Display name (default: the AET)")
	serverAddCmd.Flags().String("host", "", "Swarm host to run on")
	serverAddCmd.Flags().Int("web-port", 8042, "Published HTTP port")
	serverAddCmd.Flags().Int("dicom-port", 4242, "Published DICOM port")
	_ = serverAddCmd.MarkFlagRequired("host")

	serverAddRemoteCmd.Flags().String("name", "", "Display name (default: the AET)")
	serverAddRemoteCmd.Flags().String("ip", "", "Server address")
	serverAddRemoteCmd.Flags().Int("web-port", 8042, "HTTP port")
	serverAddRemoteCmd.Flags().Int("dicom-port", 4242, "DICOM port")
	serverAddRemoteCmd.Flags().String("username", "", "REST API username")
	serverAddRemoteCmd.Flags().String("password", "", "REST API password")
	_ = serverAddRemoteCmd.MarkFlagRequired("ip")
	_ = serverAddRemoteCmd.MarkFlagRequired("username")
	_ = serverAddRemoteCmd.MarkFlagRequired("password")

	serverEditCmd.Flags().String("name", "", "New display name")
	serverEditCmd.Flags().String("aet", "", "New AET")
	serverEditCmd.Flags().String("host", "", "New swarm host (migrates the server)")
	serverEditCmd.Flags().String("ip", "", "New address (remote servers)")
	serverEditCmd.Flags().Int("web-port", 0, "New HTTP port")
	serverEditCmd.Flags().Int("dicom-port", 0, "New DICOM port")
	serverEditCmd.Flags().String("username", "", "Additional credential username (remote servers)")
	serverEditCmd.Flags().String("password", "", "Additional credential password (remote servers)")

	serverGetCmd.Flags().StringP("output", "o", "json", "Output format (json, yaml)")
}

// User commands
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the users of a server",
}

var userAddCmd = &cobra.Command{
	Use:   "add AET USERNAME",
	Short: "Add a REST API user to a server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		return withApp(func(ctx context.Context, a *app) error {
			server, err := serverByAET(a.store, args[0])
			if err != nil {
				return err
			}
			userID, err := a.lifecycle.AddUser(ctx, server.UUID, args[1], password)
			if err != nil {
				return fmt.Errorf("failed to add user: %w", err)
			}
			fmt.Printf("✓ User added to %s: %s (ID: %s)\n", server.AET, args[1], userID)
			return nil
		})
	},
}

var userRemoveCmd = &cobra.Command{
	Use:   "remove AET USERNAME",
	Short: "Remove a REST API user from a server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			server, err := serverByAET(a.store, args[0])
			if err != nil {
				return err
			}

			var userID string
			err = a.store.View(func(tx storage.Tx) error {
				creds, err := a.vault.Credentials(tx, server.UUID)
				if err != nil {
					return err
				}
				for _, c := range creds {
					if c.Username == args[1] {
						userID = c.UserID
						return nil
					}
				}
				return fmt.Errorf("user %s on %s: %w", args[1], server.AET, types.ErrNotFound)
			})
			if err != nil {
				return err
			}

			if err := a.lifecycle.RemoveUser(ctx, server.UUID, userID); err != nil {
				return fmt.Errorf("failed to remove user: %w", err)
			}
			fmt.Printf("✓ User removed from %s: %s\n", server.AET, args[1])
			return nil
		})
	},
}

func init() {
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userRemoveCmd)

	userAddCmd.Flags().String("password", "", "User password")
	_ = userAddCmd.MarkFlagRequired("password")
}

// Host commands
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Inspect swarm hosts",
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "Record the swarm's nodes and list them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			a.syncHosts(ctx)

			var hosts []*types.Host
			err := a.store.View(func(tx storage.Tx) error {
				var err error
				hosts, err = tx.ListHosts()
				return err
			})
			if err != nil {
				return err
			}

			fmt.Printf("%-26s %-20s %-16s %-8s %s\n", "ID", "NAME", "IP", "ROLE", "STATUS")
			for _, h := range hosts {
				fmt.Printf("%-26s %-20s %-16s %-8s %s\n", h.ID, h.Name, h.IP, h.Role, h.Status)
			}
			return nil
		})
	},
}

func init() {
	hostCmd.AddCommand(hostListCmd)
}
