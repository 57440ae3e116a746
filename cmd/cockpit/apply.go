package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/docker/go-connections/nat"
	"github.com/orthancfleet/cockpit/pkg/connection"
	"github.com/orthancfleet/cockpit/pkg/lifecycle"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a fleet manifest",
	Long: `Apply servers, modalities and edges from a YAML file. A file may hold
several documents separated by "---". Existing nodes (matched by AET) are
edited, missing ones created.

Example:
  kind: Server
  metadata:
    name: ORTHANC_A
  spec:
    displayName: Radiology
    host: node-1
    publish: ["8042:8042", "4242:4242"]
  ---
  kind: Edge
  spec:
    from: ORTHANC_A
    to: CT_SCANNER
    capabilities: {echo: true, store: true}

  cockpit apply -f fleet.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

// Resource is one document of a manifest
type Resource struct {
	Kind     string           `yaml:"kind"`
	Metadata ResourceMetadata `yaml:"metadata"`
	Spec     yaml.Node        `yaml:"spec"`
}

type ResourceMetadata struct {
	// Name is the AET of the node
	Name string `yaml:"name"`
}

type ServerManifest struct {
	DisplayName string   `yaml:"displayName"`
	Host        string   `yaml:"host"`
	Publish     []string `yaml:"publish"`
}

type RemoteServerManifest struct {
	DisplayName string `yaml:"displayName"`
	IP          string `yaml:"ip"`
	WebPort     int    `yaml:"webPort"`
	DicomPort   int    `yaml:"dicomPort"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

type ModalityManifest struct {
	IP          string `yaml:"ip"`
	Port        int    `yaml:"port"`
	Description string `yaml:"description"`
}

type EdgeManifest struct {
	From         string             `yaml:"from"`
	To           string             `yaml:"to"`
	Capabilities types.Capabilities `yaml:"capabilities"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	resources, err := parseManifest(data)
	if err != nil {
		return err
	}

	return withApp(func(ctx context.Context, a *app) error {
		a.syncHosts(ctx)
		for _, r := range resources {
			if err := applyResource(ctx, a, r); err != nil {
				return fmt.Errorf("%s %s: %w", r.Kind, r.Metadata.Name, err)
			}
		}
		return nil
	})
}

func parseManifest(data []byte) ([]*Resource, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var resources []*Resource
	for {
		r := &Resource{}
		err := dec.Decode(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if r.Kind == "" {
			continue
		}
		resources = append(resources, r)
	}
	return resources, nil
}

func applyResource(ctx context.Context, a *app, r *Resource) error {
	switch r.Kind {
	case "Server":
		var m ServerManifest
		if err := r.Spec.Decode(&m); err != nil {
			return err
		}
		return applyServer(ctx, a, r.Metadata.Name, m)
	case "RemoteServer":
		var m RemoteServerManifest
		if err := r.Spec.Decode(&m); err != nil {
			return err
		}
		return applyRemoteServer(ctx, a, r.Metadata.Name, m)
	case "Modality":
		var m ModalityManifest
		if err := r.Spec.Decode(&m); err != nil {
			return err
		}
		return applyModality(ctx, a, r.Metadata.Name, m)
	case "Edge":
		var m EdgeManifest
		if err := r.Spec.Decode(&m); err != nil {
			return err
		}
		return applyEdge(ctx, a, m)
	default:
		return fmt.Errorf("unsupported resource kind: %s", r.Kind)
	}
}

// publishedPorts maps docker style publish specs ("8043:8042") onto the
// published web and DICOM ports, telling them apart by container port
func publishedPorts(specs []string, targetWeb, targetDicom int) (web, dicom int, err error) {
	web, dicom = targetWeb, targetDicom
	_, bindings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid publish spec: %w", err)
	}
	for port, bs := range bindings {
		if len(bs) == 0 || bs[0].HostPort == "" {
			continue
		}
		published, err := strconv.Atoi(bs[0].HostPort)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid published port %q: %w", bs[0].HostPort, err)
		}
		switch port.Int() {
		case targetWeb:
			web = published
		case targetDicom:
			dicom = published
		default:
			return 0, 0, fmt.Errorf("container port %s is neither %d nor %d", port.Port(), targetWeb, targetDicom)
		}
	}
	return web, dicom, nil
}

func applyServer(ctx context.Context, a *app, aet string, m ServerManifest) error {
	lc := cfg.Lifecycle()
	web, dicom, err := publishedPorts(m.Publish, lc.TargetPortWeb, lc.TargetPortDicom)
	if err != nil {
		return err
	}
	spec := lifecycle.ServerSpec{
		DisplayName:        m.DisplayName,
		AET:                aet,
		HostName:           m.Host,
		PublishedPortWeb:   web,
		PublishedPortDicom: dicom,
	}
	if spec.DisplayName == "" {
		spec.DisplayName = aet
	}

	current, err := serverByAET(a.store, aet)
	if errors.Is(err, types.ErrNotFound) {
		server, err := a.lifecycle.AddServer(ctx, spec)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Server created: %s (UUID: %s)\n", server.AET, server.UUID)
		return nil
	}
	if err != nil {
		return err
	}
	if lifecycle.SpecOf(current) == spec {
		fmt.Printf("Server unchanged: %s\n", aet)
		return nil
	}
	server, err := a.lifecycle.EditServer(ctx, current.UUID, spec)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Server updated: %s (configuration V%d)\n", server.AET, server.ConfigurationVersion)
	return nil
}

func applyRemoteServer(ctx context.Context, a *app, aet string, m RemoteServerManifest) error {
	spec := lifecycle.RemoteServerSpec{
		DisplayName:        m.DisplayName,
		AET:                aet,
		IP:                 m.IP,
		PublishedPortWeb:   m.WebPort,
		PublishedPortDicom: m.DicomPort,
		Username:           m.Username,
		Password:           m.Password,
	}
	if spec.DisplayName == "" {
		spec.DisplayName = aet
	}

	current, err := serverByAET(a.store, aet)
	if errors.Is(err, types.ErrNotFound) {
		server, err := a.lifecycle.AddRemoteServer(ctx, spec)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Remote server registered: %s (UUID: %s)\n", server.AET, server.UUID)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := a.lifecycle.EditRemoteServer(ctx, current.UUID, spec); err != nil {
		return err
	}
	fmt.Printf("✓ Remote server updated: %s\n", aet)
	return nil
}

func applyModality(ctx context.Context, a *app, aet string, m ModalityManifest) error {
	spec := lifecycle.ModalitySpec{AET: aet, IP: m.IP, Port: m.Port, Description: m.Description}
	if spec.Port == 0 {
		spec.Port = 104
	}

	current, err := modalityByAET(a.store, aet)
	if errors.Is(err, types.ErrNotFound) {
		modality, err := a.lifecycle.AddModality(ctx, spec)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Modality registered: %s (UUID: %s)\n", modality.AET, modality.UUID)
		return nil
	}
	if err != nil {
		return err
	}
	if current.IP == spec.IP && current.PublishedPortDicom == spec.Port && current.Description == spec.Description {
		fmt.Printf("Modality unchanged: %s\n", aet)
		return nil
	}
	if _, err := a.lifecycle.EditModality(ctx, current.UUID, spec); err != nil {
		return err
	}
	fmt.Printf("✓ Modality updated: %s\n", aet)
	return nil
}

func applyEdge(ctx context.Context, a *app, m EdgeManifest) error {
	var exists bool
	err := a.store.View(func(tx storage.Tx) error {
		from, err := tx.GetNodeByAET(m.From)
		if err != nil {
			return nil
		}
		to, err := tx.GetNodeByAET(m.To)
		if err != nil {
			return nil
		}
		conn, err := tx.FindConnection(from.Meta().UUID, to.Meta().UUID)
		exists = err == nil && conn.Capabilities == m.Capabilities
		return nil
	})
	if err != nil {
		return err
	}
	if exists {
		fmt.Printf("Edge unchanged: %s -> %s\n", m.From, m.To)
		return nil
	}

	id, err := a.conns.AddEdge(ctx, connection.EdgeRequest{From: m.From, To: m.To, Capabilities: m.Capabilities})
	if err != nil {
		return err
	}
	fmt.Printf("✓ Edge created: %s -> %s (ID: %s)\n", m.From, m.To, id)
	return nil
}
