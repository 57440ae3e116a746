package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/swarm"
	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/metrics"
	"github.com/rs/zerolog"
)

// ManagedLabel marks services created by the cockpit
const ManagedLabel = "io.orthancfleet.managed"

// UUIDLabel carries the graph uuid of the server a service runs
const UUIDLabel = "io.orthancfleet.uuid"

// SwarmConfig configures the docker CLI adapter
type SwarmConfig struct {
	// Binary is the docker CLI executable
	Binary string

	// Image is the Orthanc image every service runs
	Image string

	// StackPrefix prefixes service and volume names
	StackPrefix string

	// SecretTarget is where the configuration artifact is mounted
	SecretTarget string

	// DataTarget is where the data volume is mounted
	DataTarget string
}

// DefaultSwarmConfig returns the configuration used when none is given
func DefaultSwarmConfig() SwarmConfig {
	return SwarmConfig{
		Binary:       "docker",
		Image:        "orthancteam/orthanc:24.12.1",
		StackPrefix:  "orthanc_",
		SecretTarget: "/etc/orthanc/orthanc.json",
		DataTarget:   "/var/lib/orthanc/db",
	}
}

// PortBinding maps a published host port to a container port
type PortBinding struct {
	Published int
	Target    int
}

// String renders the binding as a --publish value. Ports are published on
// the routing mesh so a taken port fails service creation instead of
// leaving the task pending.
func (p PortBinding) String() string {
	return fmt.Sprintf("published=%d,target=%d,mode=ingress", p.Published, p.Target)
}

// ServiceSpec describes a server service to create
type ServiceSpec struct {
	UUID       string
	HostName   string
	SecretName string
	Web        PortBinding
	Dicom      PortBinding
}

// ServiceUpdate describes an in-place service update
type ServiceUpdate struct {
	ServiceName string
	OldSecret   string
	NewSecret   string
	OldWeb      PortBinding
	NewWeb      PortBinding
	OldDicom    PortBinding
	NewDicom    PortBinding
}

// ServiceStatus is one line of `docker service ls`
type ServiceStatus struct {
	ID       string `json:"ID"`
	Name     string `json:"Name"`
	Mode     string `json:"Mode"`
	Replicas string `json:"Replicas"`
	Image    string `json:"Image"`
}

// RunningReplicas parses the running count out of Replicas ("1/1")
func (s ServiceStatus) RunningReplicas() int {
	running, _, _ := strings.Cut(s.Replicas, "/")
	n, err := strconv.Atoi(strings.TrimSpace(running))
	if err != nil {
		return 0
	}
	return n
}

// Swarm drives Docker Swarm through the docker CLI
type Swarm struct {
	cmd    Commander
	config SwarmConfig
	logger zerolog.Logger
}

// NewSwarm creates a swarm adapter on top of cmd
func NewSwarm(cmd Commander, config SwarmConfig) *Swarm {
	def := DefaultSwarmConfig()
	if config.Binary == "" {
		config.Binary = def.Binary
	}
	if config.Image == "" {
		config.Image = def.Image
	}
	if config.StackPrefix == "" {
		config.StackPrefix = def.StackPrefix
	}
	if config.SecretTarget == "" {
		config.SecretTarget = def.SecretTarget
	}
	if config.DataTarget == "" {
		config.DataTarget = def.DataTarget
	}
	return &Swarm{
		cmd:    cmd,
		config: config,
		logger: log.WithComponent("fleet"),
	}
}

// ServiceName returns the service handle for a server uuid
func (s *Swarm) ServiceName(uuid string) string {
	return s.config.StackPrefix + uuid
}

// VolumeName returns the data volume handle for a server uuid
func (s *Swarm) VolumeName(uuid string) string {
	return s.config.StackPrefix + uuid + "_data"
}

func (s *Swarm) run(ctx context.Context, args ...string) (string, error) {
	return s.runWithInput(ctx, nil, args...)
}

func (s *Swarm) runWithInput(ctx context.Context, input []byte, args ...string) (string, error) {
	label := args[0]
	if len(args) > 1 {
		label += " " + args[1]
	}

	timer := metrics.NewTimer()
	var (
		out string
		err error
	)
	if input != nil {
		out, err = s.cmd.RunCommandWithInput(ctx, s.config.Binary, input, args...)
	} else {
		out, err = s.cmd.RunCommand(ctx, s.config.Binary, args...)
	}
	timer.ObserveDurationVec(metrics.FleetCommandDuration, label)

	if err != nil {
		metrics.FleetCommandErrors.WithLabelValues(label).Inc()
		s.logger.Debug().Err(err).Str("command", label).Msg("Fleet command failed")
	}
	return out, err
}

// CreateSecret stores data as a swarm secret
func (s *Swarm) CreateSecret(ctx context.Context, name string, data []byte) error {
	if _, err := s.runWithInput(ctx, data, "secret", "create", name, "-"); err != nil {
		return fmt.Errorf("failed to create secret %s: %w", name, err)
	}
	return nil
}

// RemoveSecret deletes a swarm secret
func (s *Swarm) RemoveSecret(ctx context.Context, name string) error {
	if _, err := s.run(ctx, "secret", "rm", name); err != nil {
		return fmt.Errorf("failed to remove secret %s: %w", name, err)
	}
	return nil
}

// CreateService starts a server service pinned to spec.HostName and
// returns the service and volume handles
func (s *Swarm) CreateService(ctx context.Context, spec ServiceSpec) (service, volume string, err error) {
	service = s.ServiceName(spec.UUID)
	volume = s.VolumeName(spec.UUID)

	args := []string{
		"service", "create",
		"--name", service,
		"--detach",
		"--replicas", "1",
		"--constraint", "node.hostname==" + spec.HostName,
		"--secret", fmt.Sprintf("source=%s,target=%s", spec.SecretName, s.config.SecretTarget),
		"--mount", fmt.Sprintf("type=volume,source=%s,target=%s", volume, s.config.DataTarget),
		"--publish", spec.Web.String(),
		"--publish", spec.Dicom.String(),
		"--label", ManagedLabel + "=true",
		"--label", UUIDLabel + "=" + spec.UUID,
		s.config.Image,
	}

	if _, err := s.run(ctx, args...); err != nil {
		return "", "", fmt.Errorf("failed to create service %s: %w", service, err)
	}
	return service, volume, nil
}

// UpdateService swaps the configuration secret and published ports of a
// running service
func (s *Swarm) UpdateService(ctx context.Context, u ServiceUpdate) error {
	args := []string{"service", "update", "--detach"}
	if u.OldSecret != "" {
		args = append(args, "--secret-rm", u.OldSecret)
	}
	args = append(args, "--secret-add", fmt.Sprintf("source=%s,target=%s", u.NewSecret, s.config.SecretTarget))

	for _, p := range []struct{ from, to PortBinding }{{u.OldWeb, u.NewWeb}, {u.OldDicom, u.NewDicom}} {
		if p.from == p.to {
			continue
		}
		if p.from.Target != 0 {
			args = append(args, "--publish-rm", strconv.Itoa(p.from.Target))
		}
		args = append(args, "--publish-add", p.to.String())
	}
	args = append(args, u.ServiceName)

	if _, err := s.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to update service %s: %w", u.ServiceName, err)
	}
	return nil
}

// RemoveService deletes a service
func (s *Swarm) RemoveService(ctx context.Context, name string) error {
	if _, err := s.run(ctx, "service", "rm", name); err != nil {
		return fmt.Errorf("failed to remove service %s: %w", name, err)
	}
	return nil
}

// RemoveVolume deletes a volume. The error wraps a CommandError that
// IsVolumeInUse recognises while the service's container is still
// stopping.
func (s *Swarm) RemoveVolume(ctx context.Context, name string) error {
	if _, err := s.run(ctx, "volume", "rm", name); err != nil {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// ListServices returns the services created by the cockpit
func (s *Swarm) ListServices(ctx context.Context) ([]ServiceStatus, error) {
	out, err := s.run(ctx, "service", "ls", "--filter", "label="+ManagedLabel+"=true", "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	var services []ServiceStatus
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var svc ServiceStatus
		if err := json.Unmarshal([]byte(line), &svc); err != nil {
			return nil, fmt.Errorf("failed to parse service line %q: %w", line, err)
		}
		services = append(services, svc)
	}
	return services, nil
}

// ListNodes returns every swarm node
func (s *Swarm) ListNodes(ctx context.Context) ([]swarm.Node, error) {
	out, err := s.run(ctx, "node", "ls", "-q")
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	ids := strings.Fields(out)
	if len(ids) == 0 {
		return nil, nil
	}
	return s.inspectNodes(ctx, ids...)
}

// InspectNode returns a single swarm node
func (s *Swarm) InspectNode(ctx context.Context, id string) (*swarm.Node, error) {
	nodes, err := s.inspectNodes(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(nodes) != 1 {
		return nil, fmt.Errorf("inspect %s returned %d nodes", id, len(nodes))
	}
	return &nodes[0], nil
}

func (s *Swarm) inspectNodes(ctx context.Context, ids ...string) ([]swarm.Node, error) {
	args := append([]string{"node", "inspect"}, ids...)
	out, err := s.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect nodes: %w", err)
	}

	var nodes []swarm.Node
	if err := json.Unmarshal([]byte(out), &nodes); err != nil {
		return nil, fmt.Errorf("failed to parse node inspect output: %w", err)
	}
	return nodes, nil
}

// WatchNodes streams swarm node events until ctx is cancelled
func (s *Swarm) WatchNodes(ctx context.Context, onEvent func(events.Message) error, onError func(error)) {
	args := []string{
		"events",
		"--filter", "scope=swarm",
		"--filter", "type=node",
		"--format", "{{json .}}",
	}
	s.cmd.StreamEvents(ctx, s.config.Binary, args, func(line string) error {
		var msg events.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return fmt.Errorf("failed to parse node event: %w", err)
		}
		return onEvent(msg)
	}, onError)
}

func stderrOf(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return strings.ToLower(cmdErr.Stderr)
	}
	return ""
}

// IsPortInUse reports whether a service could not publish a port
func IsPortInUse(err error) bool {
	s := stderrOf(err)
	return strings.Contains(s, "port") && strings.Contains(s, "already in use")
}

// IsVolumeInUse reports whether a volume is still attached to a container
func IsVolumeInUse(err error) bool {
	return strings.Contains(stderrOf(err), "volume is in use")
}

// IsNotFound reports whether the CLI could not find the object
func IsNotFound(err error) bool {
	s := stderrOf(err)
	return strings.Contains(s, "not found") || strings.Contains(s, "no such")
}
