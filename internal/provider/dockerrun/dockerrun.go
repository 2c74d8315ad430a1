// Package dockerrun implements the provider.Adapter interface on the host
// Docker daemon. Each submitted job runs as a single labeled container: the
// operation image reads its parameters from the environment, writes a
// result.json plus any output files into the workspace directory, and exits.
// Results are read back from the stopped container's filesystem.
package dockerrun

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"molorch/internal/apperrors"
	"molorch/internal/provider"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

const (
	labelManagedBy = "managed-by"
	labelJobID     = "molorch.job.id"
	labelOperation = "molorch.operation"
	managedByValue = "molorch"

	resultFileName = "result.json"
)

// Config holds configuration for the Docker adapter.
type Config struct {
	Images          map[string]string // Operation name to container image
	Workspace       string            // Mount point for job outputs (default /work)
	RetentionPeriod time.Duration     // How long to keep finished containers (default 15m)
	CleanupInterval time.Duration     // How often to sweep finished containers (default 1m)
}

// Adapter runs jobs as containers on the local Docker daemon.
type Adapter struct {
	providerID string
	client     *client.Client
	cfg        Config

	cancelMaintenance context.CancelFunc
	maintenanceDone   chan struct{}
	pullMu            sync.Mutex
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates a Docker adapter for the given provider.
func New(pcfg provider.Config, cfg Config) (*Adapter, error) {
	if len(cfg.Images) == 0 {
		return nil, fmt.Errorf("dockerrun provider %q has no operation images configured", pcfg.ID)
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.Workspace == "" {
		cfg.Workspace = "/work"
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 15 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 1 * time.Minute
	}

	a := &Adapter{
		providerID:      pcfg.ID,
		client:          dockerClient,
		cfg:             cfg,
		maintenanceDone: make(chan struct{}),
	}

	maintenanceCtx, cancel := context.WithCancel(context.Background())
	a.cancelMaintenance = cancel
	go a.runMaintenance(maintenanceCtx)

	return a, nil
}

// Close stops background maintenance and releases the Docker client.
// Finished containers that have not been collected yet are left in place.
func (a *Adapter) Close() error {
	if a.cancelMaintenance != nil {
		a.cancelMaintenance()
		<-a.maintenanceDone
	}
	return a.client.Close()
}

// Ready checks that the Docker daemon is reachable.
func (a *Adapter) Ready(ctx context.Context) error {
	_, err := a.client.Ping(ctx)
	return err
}

// Submit creates and starts a container for the requested operation.
// The container ID doubles as the provider job ID.
func (a *Adapter) Submit(ctx context.Context, req *provider.SubmitRequest) (string, error) {
	imageName, ok := a.cfg.Images[req.Operation]
	if !ok {
		return "", apperrors.Rejected(a.providerID, fmt.Sprintf("operation %q has no configured image", req.Operation))
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", apperrors.Rejected(a.providerID, fmt.Sprintf("payload not serializable: %v", err))
	}

	// Pull with a detached context so an HTTP-level deadline on the submit
	// call does not abort an image download midway.
	if err := a.pullImageIfNeeded(context.WithoutCancel(ctx), imageName); err != nil {
		return "", apperrors.Transport(a.providerID, "dockerrun.submit", fmt.Errorf("pull %s: %w", imageName, err))
	}

	containerConfig := &container.Config{
		Image:      imageName,
		WorkingDir: a.cfg.Workspace,
		Env: []string{
			fmt.Sprintf("MOLORCH_JOB_ID=%s", req.JobID),
			fmt.Sprintf("MOLORCH_OPERATION=%s", req.Operation),
			fmt.Sprintf("MOLORCH_PARAMS=%s", payload),
			fmt.Sprintf("MOLORCH_WORKSPACE=%s", a.cfg.Workspace),
		},
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelJobID:     req.JobID,
			labelOperation: req.Operation,
		},
	}

	containerName := fmt.Sprintf("molorch-%s", req.JobID)
	resp, err := a.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, containerName)
	if err != nil {
		return "", apperrors.Transport(a.providerID, "dockerrun.submit", fmt.Errorf("create container: %w", err))
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		a.removeContainer(context.WithoutCancel(ctx), resp.ID)
		return "", apperrors.Transport(a.providerID, "dockerrun.submit", fmt.Errorf("start container: %w", err))
	}

	slog.Debug("Container started", "provider", a.providerID, "jobId", req.JobID, "containerId", resp.ID[:12])
	return resp.ID, nil
}

// Status maps the container state onto a job phase.
func (a *Adapter) Status(ctx context.Context, providerJobID string) (*provider.JobStatus, error) {
	inspect, err := a.client.ContainerInspect(ctx, providerJobID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, apperrors.Rejected(a.providerID, "container no longer exists")
		}
		return nil, apperrors.Transport(a.providerID, "dockerrun.status", err)
	}

	status := &provider.JobStatus{Progress: -1}
	switch {
	case inspect.State.Status == "created":
		status.Phase = provider.PhaseQueued
	case inspect.State.Running:
		status.Phase = provider.PhaseRunning
	case inspect.State.ExitCode == 0:
		status.Phase = provider.PhaseSucceeded
	default:
		status.Phase = provider.PhaseFailed
		status.Message = fmt.Sprintf("exit code %d", inspect.State.ExitCode)
		if inspect.State.Error != "" {
			status.Message = fmt.Sprintf("%s: %s", status.Message, inspect.State.Error)
		}
	}
	return status, nil
}

// Results reads the workspace back out of the exited container. The
// result.json entry becomes the structured fields, every other regular file
// becomes an output file. The container is removed once reading succeeds.
func (a *Adapter) Results(ctx context.Context, providerJobID string) (*provider.Results, error) {
	reader, _, err := a.client.CopyFromContainer(ctx, providerJobID, a.cfg.Workspace)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, apperrors.Rejected(a.providerID, "container no longer exists")
		}
		return nil, apperrors.Transport(a.providerID, "dockerrun.results", err)
	}
	defer reader.Close()

	results, err := a.readWorkspace(reader)
	if err != nil {
		return nil, err
	}

	a.removeContainer(context.WithoutCancel(ctx), providerJobID)
	return results, nil
}

// readWorkspace parses the tar stream CopyFromContainer produces. Entries
// arrive prefixed with the workspace directory's base name.
func (a *Adapter) readWorkspace(reader io.Reader) (*provider.Results, error) {
	results := &provider.Results{
		Fields: map[string]any{},
		Files:  map[string][]byte{},
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.Transport(a.providerID, "dockerrun.results", fmt.Errorf("read workspace archive: %w", err))
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := header.Name
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[i+1:]
		}
		if name == "" {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, apperrors.Transport(a.providerID, "dockerrun.results", fmt.Errorf("read workspace file %s: %w", name, err))
		}

		if path.Base(name) == resultFileName {
			if err := json.Unmarshal(data, &results.Fields); err != nil {
				return nil, apperrors.Rejected(a.providerID, fmt.Sprintf("malformed %s: %v", resultFileName, err))
			}
			continue
		}
		results.Files[name] = data
	}

	return results, nil
}

// Cancel stops and removes the job container. A container that already
// exited cannot be cancelled and is reported as declined.
func (a *Adapter) Cancel(ctx context.Context, providerJobID string) (bool, error) {
	inspect, err := a.client.ContainerInspect(ctx, providerJobID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, apperrors.Transport(a.providerID, "dockerrun.cancel", err)
	}
	if !inspect.State.Running && inspect.State.Status != "created" {
		return false, nil
	}

	a.removeContainer(ctx, providerJobID)
	return true, nil
}

func (a *Adapter) pullImageIfNeeded(ctx context.Context, imageName string) error {
	// Serialize pulls so concurrent submits of the same operation do not
	// download the image layers twice.
	a.pullMu.Lock()
	defer a.pullMu.Unlock()

	_, err := a.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := a.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (a *Adapter) removeContainer(ctx context.Context, containerID string) {
	stopTimeout := 10
	_ = a.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = a.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// runMaintenance periodically removes finished containers whose results were
// never collected, such as jobs cancelled between poll cycles.
func (a *Adapter) runMaintenance(ctx context.Context) {
	defer close(a.maintenanceDone)

	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanupExpired(ctx)
		}
	}
}

func (a *Adapter) cleanupExpired(ctx context.Context) {
	logger := slog.With("provider", a.providerID, "component", "maintenance")

	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", labelManagedBy, managedByValue)),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		logger.Warn("Failed to list containers", "error", err)
		return
	}

	now := time.Now()
	var cleaned int
	for i := range containers {
		c := &containers[i]
		inspect, err := a.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}
		finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		if err != nil {
			continue
		}
		if now.Sub(finishedAt) > a.cfg.RetentionPeriod {
			a.removeContainer(ctx, c.ID)
			cleaned++
		}
	}

	if cleaned > 0 {
		logger.Info("Removed expired job containers", "cleaned", cleaned)
	}
}
