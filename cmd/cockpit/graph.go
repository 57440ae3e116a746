package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/orthancfleet/cockpit/pkg/connection"
	"github.com/orthancfleet/cockpit/pkg/lifecycle"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/topology"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Modality commands
var modalityCmd = &cobra.Command{
	Use:   "modality",
	Short: "Manage DICOM modalities",
}

var modalityAddCmd = &cobra.Command{
	Use:   "add AET",
	Short: "Register a DICOM modality",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := lifecycle.ModalitySpec{AET: args[0]}
		spec.IP, _ = cmd.Flags().GetString("ip")
		spec.Port, _ = cmd.Flags().GetInt("port")
		spec.Description, _ = cmd.Flags().GetString("description")

		return withApp(func(ctx context.Context, a *app) error {
			m, err := a.lifecycle.AddModality(ctx, spec)
			if err != nil {
				return fmt.Errorf("failed to add modality: %w", err)
			}
			fmt.Printf("✓ Modality registered: %s (UUID: %s)\n", m.AET, m.UUID)
			return nil
		})
	},
}

var modalityEditCmd = &cobra.Command{
	Use:   "edit AET",
	Short: "Change a modality and update the servers connected to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			current, err := modalityByAET(a.store, args[0])
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			spec := lifecycle.ModalitySpec{
				AET:         current.AET,
				IP:          current.IP,
				Port:        current.PublishedPortDicom,
				Description: current.Description,
			}
			if flags.Changed("aet") {
				spec.AET, _ = flags.GetString("aet")
			}
			if flags.Changed("ip") {
				spec.IP, _ = flags.GetString("ip")
			}
			if flags.Changed("port") {
				spec.Port, _ = flags.GetInt("port")
			}
			if flags.Changed("description") {
				spec.Description, _ = flags.GetString("description")
			}

			m, err := a.lifecycle.EditModality(ctx, current.UUID, spec)
			if err != nil {
				return fmt.Errorf("failed to edit modality: %w", err)
			}
			fmt.Printf("✓ Modality updated: %s\n", m.AET)
			return nil
		})
	},
}

var modalityDeleteCmd = &cobra.Command{
	Use:   "delete AET",
	Short: "Delete a modality and its connections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			m, err := modalityByAET(a.store, args[0])
			if err != nil {
				return err
			}
			if err := a.lifecycle.DeleteNode(ctx, m.UUID); err != nil {
				return fmt.Errorf("failed to delete modality: %w", err)
			}
			fmt.Printf("✓ Modality deleted: %s\n", m.AET)
			return nil
		})
	},
}

func init() {
	modalityCmd.AddCommand(modalityAddCmd)
	modalityCmd.AddCommand(modalityEditCmd)
	modalityCmd.AddCommand(modalityDeleteCmd)

	modalityAddCmd.Flags().String("ip", "", "Modality address")
	modalityAddCmd.Flags().Int("port", 104, "DICOM port")
	modalityAddCmd.Flags().String("description", "", "Free text description")
	_ = modalityAddCmd.MarkFlagRequired("ip")

	modalityEditCmd.Flags().String("aet", "", "New AET")
	modalityEditCmd.Flags().String("ip", "", "New address")
	modalityEditCmd.Flags().Int("port", 0, "New DICOM port")
	modalityEditCmd.Flags().String("description", "", "New description")
}

// Edge commands
var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Manage DICOM connections between nodes",
}

func capabilityFlags(fs *pflag.FlagSet) {
	fs.Bool("echo", true, "Allow C-ECHO")
	fs.Bool("find", false, "Allow C-FIND")
	fs.Bool("get", false, "Allow C-GET")
	fs.Bool("move", false, "Allow C-MOVE")
	fs.Bool("store", false, "Allow C-STORE")
	fs.Bool("all", false, "Allow every operation")
}

func capabilitiesFrom(fs *pflag.FlagSet) types.Capabilities {
	if all, _ := fs.GetBool("all"); all {
		return types.Capabilities{Echo: true, Find: true, Get: true, Move: true, Store: true}
	}
	var caps types.Capabilities
	caps.Echo, _ = fs.GetBool("echo")
	caps.Find, _ = fs.GetBool("find")
	caps.Get, _ = fs.GetBool("get")
	caps.Move, _ = fs.GetBool("move")
	caps.Store, _ = fs.GetBool("store")
	return caps
}

var edgeAddCmd = &cobra.Command{
	Use:   "add FROM_AET TO_AET",
	Short: "Allow FROM to issue DICOM operations to TO",
	Long: `Allow FROM to issue DICOM operations to TO.

TO is told about FROM with the given capabilities. When TO does not already
reach FROM, FROM receives an entry for TO without capabilities so it can
address it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := connection.EdgeRequest{From: args[0], To: args[1], Capabilities: capabilitiesFrom(cmd.Flags())}
		return withApp(func(ctx context.Context, a *app) error {
			id, err := a.conns.AddEdge(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to add edge: %w", err)
			}
			fmt.Printf("✓ Edge created: %s -> %s (ID: %s)\n", req.From, req.To, id)
			return nil
		})
	},
}

var edgeDeleteCmd = &cobra.Command{
	Use:   "delete FROM_AET TO_AET",
	Short: "Remove the connection from FROM to TO",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			var id string
			err := a.store.View(func(tx storage.Tx) error {
				from, err := tx.GetNodeByAET(args[0])
				if err != nil {
					return err
				}
				to, err := tx.GetNodeByAET(args[1])
				if err != nil {
					return err
				}
				conn, err := tx.FindConnection(from.Meta().UUID, to.Meta().UUID)
				if err != nil {
					return err
				}
				id = conn.ID
				return nil
			})
			if err != nil {
				return fmt.Errorf("no edge %s -> %s: %w", args[0], args[1], err)
			}

			if err := a.conns.DeleteLink(ctx, id); err != nil {
				return fmt.Errorf("failed to delete edge: %w", err)
			}
			fmt.Printf("✓ Edge deleted: %s -> %s\n", args[0], args[1])
			return nil
		})
	},
}

var edgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			var edges []topology.EdgeView
			err := a.store.View(func(tx storage.Tx) error {
				var err error
				edges, err = topology.Edges(tx)
				return err
			})
			if err != nil {
				return err
			}

			fmt.Printf("%-16s %-16s %-8s %s\n", "FROM", "TO", "STATUS", "CAPABILITIES")
			for _, e := range edges {
				fmt.Printf("%-16s %-16s %-8s %s\n", e.From.AET, e.To.AET, e.Status, capsString(e.Capabilities))
			}
			return nil
		})
	},
}

func capsString(c types.Capabilities) string {
	s := ""
	for _, f := range []struct {
		on   bool
		name string
	}{{c.Echo, "echo"}, {c.Find, "find"}, {c.Get, "get"}, {c.Move, "move"}, {c.Store, "store"}} {
		if !f.on {
			continue
		}
		if s != "" {
			s += ","
		}
		s += f.name
	}
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	edgeCmd.AddCommand(edgeAddCmd)
	edgeCmd.AddCommand(edgeDeleteCmd)
	edgeCmd.AddCommand(edgeListCmd)

	capabilityFlags(edgeAddCmd.Flags())
}

// Tag commands
var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Manage node tags",
}

const defaultTagColor = "#808080"

var tagAddCmd = &cobra.Command{
	Use:   "add AET TAG",
	Short: "Tag a node, creating the tag if needed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		color, _ := cmd.Flags().GetString("color")
		return withApp(func(ctx context.Context, a *app) error {
			err := a.store.Update(func(tx storage.Tx) error {
				_, err := tx.GetTag(args[1])
				if errors.Is(err, types.ErrNotFound) {
					err = topology.SaveTag(tx, args[1], color)
				}
				if err != nil {
					return err
				}
				return topology.TagByAET(tx, args[0], args[1])
			})
			if err != nil {
				return fmt.Errorf("failed to tag %s: %w", args[0], err)
			}
			fmt.Printf("✓ %s tagged %s\n", args[0], args[1])
			return nil
		})
	},
}

var tagUntagCmd = &cobra.Command{
	Use:   "untag AET TAG",
	Short: "Remove a tag from a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			err := a.store.Update(func(tx storage.Tx) error {
				return topology.UntagByAET(tx, args[0], args[1])
			})
			if err != nil {
				return fmt.Errorf("failed to untag %s: %w", args[0], err)
			}
			fmt.Printf("✓ %s untagged %s\n", args[0], args[1])
			return nil
		})
	},
}

var tagEditCmd = &cobra.Command{
	Use:   "edit TAG",
	Short: "Change a tag's color",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		color, _ := cmd.Flags().GetString("color")
		return withApp(func(ctx context.Context, a *app) error {
			err := a.store.Update(func(tx storage.Tx) error {
				if _, err := tx.GetTag(args[0]); err != nil {
					return err
				}
				return topology.SaveTag(tx, args[0], color)
			})
			if err != nil {
				return fmt.Errorf("failed to edit tag: %w", err)
			}
			fmt.Printf("✓ Tag updated: %s (%s)\n", args[0], color)
			return nil
		})
	},
}

var tagDeleteCmd = &cobra.Command{
	Use:   "delete TAG",
	Short: "Delete a tag from every node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			err := a.store.Update(func(tx storage.Tx) error {
				return tx.DeleteTag(args[0])
			})
			if err != nil {
				return fmt.Errorf("failed to delete tag: %w", err)
			}
			fmt.Printf("✓ Tag deleted: %s\n", args[0])
			return nil
		})
	},
}

var tagListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			var tags []*types.Tag
			err := a.store.View(func(tx storage.Tx) error {
				var err error
				tags, err = tx.ListTags()
				return err
			})
			if err != nil {
				return err
			}
			for _, t := range tags {
				fmt.Printf("%-20s %s\n", t.Name, t.Color)
			}
			return nil
		})
	},
}

func init() {
	tagCmd.AddCommand(tagAddCmd)
	tagCmd.AddCommand(tagUntagCmd)
	tagCmd.AddCommand(tagEditCmd)
	tagCmd.AddCommand(tagDeleteCmd)
	tagCmd.AddCommand(tagListCmd)

	tagAddCmd.Flags().String("color", defaultTagColor, "Color of a new tag (#rgb or #rrggbb)")
	tagEditCmd.Flags().String("color", "", "New color (#rgb or #rrggbb)")
	_ = tagEditCmd.MarkFlagRequired("color")
}

// Network commands
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Print the whole graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withApp(func(ctx context.Context, a *app) error {
			var network *topology.Network
			err := a.store.View(func(tx storage.Tx) error {
				var err error
				network, err = a.viewer.Network(tx)
				return err
			})
			if err != nil {
				return err
			}
			return printObject(output, network)
		})
	},
}

var networkPositionCmd = &cobra.Command{
	Use:   "position AET X Y",
	Short: "Store where a node is drawn",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var x, y float64
		if _, err := fmt.Sscanf(args[1]+" "+args[2], "%g %g", &x, &y); err != nil {
			return fmt.Errorf("invalid coordinates: %w", err)
		}
		return withApp(func(ctx context.Context, a *app) error {
			node, err := nodeByAET(a.store, args[0])
			if err != nil {
				return err
			}
			return a.store.Update(func(tx storage.Tx) error {
				return topology.UpdatePosition(tx, node.Meta().UUID, x, y)
			})
		})
	},
}

func init() {
	networkCmd.AddCommand(networkPositionCmd)
	networkCmd.Flags().StringP("output", "o", "json", "Output format (json, yaml)")
}
