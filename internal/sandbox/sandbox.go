package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"phiacta-verify/internal/logging"
)

// allowedImages is the fixed set of runner images the sandbox may launch.
// Anything else is rejected before a container is ever created.
var allowedImages = map[string]struct{}{
	"phiacta-verify-runner-python:latest":   {},
	"phiacta-verify-runner-r:latest":        {},
	"phiacta-verify-runner-julia:latest":    {},
	"phiacta-verify-runner-lean4:latest":    {},
	"phiacta-verify-runner-symbolic:latest": {},
}

// blockedEnvVars are never forwarded into containers because they can
// alter interpreter startup: loader injection, interpreter site hooks,
// shell startup files, and the ambient PATH/HOME.
var blockedEnvVars = map[string]struct{}{
	"LD_PRELOAD": {}, "LD_LIBRARY_PATH": {}, "PYTHONSTARTUP": {}, "PYTHONPATH": {},
	"PYTHONINSPECT": {}, "PYTHONBREAKPOINT": {}, "RUBYOPT": {}, "PERL5OPT": {},
	"NODE_OPTIONS": {}, "JAVA_TOOL_OPTIONS": {}, "R_PROFILE": {}, "R_PROFILE_USER": {},
	"R_ENVIRON": {}, "R_ENVIRON_USER": {}, "JULIA_LOAD_PATH": {}, "JULIA_DEPOT_PATH": {},
	"BASH_ENV": {}, "ENV": {}, "CDPATH": {}, "GLOBIGNORE": {}, "PATH": {}, "HOME": {},
}

// RunSpec describes one sandboxed execution.
type RunSpec struct {
	// Image must be on the allow-list and already pulled.
	Image string
	// Command is the argv executed inside the container.
	Command []string
	// CodeFiles maps relative path -> UTF-8 source, mounted read-only at /code.
	CodeFiles map[string]string
	// DataFiles maps relative path -> raw bytes, mounted read-only at /data.
	DataFiles map[string][]byte
	// EnvVars are forwarded into the container after blocklist filtering.
	EnvVars map[string]string
	// Policy governs resource limits and the wall-clock timeout.
	Policy SecurityPolicy
}

// Result is the outcome of a sandboxed execution.
type Result struct {
	ExitCode             int
	Stdout               string
	Stderr               string
	OutputFiles          map[string][]byte
	ExecutionTimeSeconds float64
	TimedOut             bool
}

// ContainerSandbox manages the full lifecycle of ephemeral containers.
// Every Run creates a fresh container and unconditionally removes it,
// whatever happened in between.
type ContainerSandbox struct {
	docker dockerAPI
}

// New connects to the local Docker daemon.
func New() (*ContainerSandbox, error) {
	cli, err := newDockerClient()
	if err != nil {
		return nil, err
	}
	return &ContainerSandbox{docker: cli}, nil
}

// newWithClient is used by tests to inject a fake backend.
func newWithClient(api dockerAPI) *ContainerSandbox {
	return &ContainerSandbox{docker: api}
}

// Ping reports whether the Docker daemon is reachable.
func (s *ContainerSandbox) Ping(ctx context.Context) error {
	_, err := s.docker.Ping(ctx)
	return err
}

// Run executes spec.Command inside a sandboxed container.
//
// A non-nil error means the execution could not be attempted (bad image,
// bad input paths, daemon failure). Failures of the code under test are
// not errors: they surface as a non-zero exit code or the timed-out flag
// in the Result.
func (s *ContainerSandbox) Run(ctx context.Context, spec RunSpec) (*Result, error) {
	if err := spec.Policy.Validate(); err != nil {
		return nil, err
	}
	if _, ok := allowedImages[spec.Image]; !ok {
		return nil, fmt.Errorf("image %q is not on the sandbox allow-list", spec.Image)
	}

	codeDir, err := materializeText("phiacta_code_", spec.CodeFiles)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(codeDir)

	binds := []string{codeDir + ":/code:ro"}
	if len(spec.DataFiles) > 0 {
		dataDir, err := materializeBytes("phiacta_data_", spec.DataFiles)
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(dataDir)
		binds = append(binds, dataDir+":/data:ro")
	}

	created, err := s.docker.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		WorkingDir: "/code",
		Env:        filterEnv(spec.EnvVars),
	}, spec.Policy.HostConfig(binds), &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := created.ID
	logging.L().Info("container created",
		zap.String("container_id", shortID(containerID)), zap.String("image", spec.Image))

	// Removal runs on every exit path, with a fresh context so a
	// cancelled ctx cannot leak the container.
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.docker.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			logging.L().Error("failed to remove container",
				zap.String("container_id", shortID(containerID)), zap.Error(err))
			return
		}
		logging.L().Info("container removed", zap.String("container_id", shortID(containerID)))
	}()

	start := time.Now()
	if err := s.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	exitCode, timedOut := s.waitForExit(ctx, containerID, spec.Policy.TimeoutSeconds)
	elapsed := time.Since(start)

	stdout, stderr := s.captureLogs(ctx, containerID)
	outputFiles := s.collectOutputFiles(ctx, containerID)

	return &Result{
		ExitCode:             exitCode,
		Stdout:               stdout,
		Stderr:               stderr,
		OutputFiles:          outputFiles,
		ExecutionTimeSeconds: math.Round(elapsed.Seconds()*1000) / 1000,
		TimedOut:             timedOut,
	}, nil
}

// waitForExit blocks until the container stops, the timeout elapses, or
// the transport fails. Timeouts and transport errors both force-kill the
// container and report exit code -1 with the timed-out flag set.
func (s *ContainerSandbox) waitForExit(ctx context.Context, containerID string, timeoutSeconds int) (exitCode int, timedOut bool) {
	timeout := time.Duration(timeoutSeconds) * time.Second
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	waitCh, errCh := s.docker.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		return int(resp.StatusCode), false
	case err := <-errCh:
		logging.L().Warn("container wait failed, killing",
			zap.String("container_id", shortID(containerID)), zap.Error(err))
	case <-waitCtx.Done():
		logging.L().Warn("container timed out, killing",
			zap.String("container_id", shortID(containerID)),
			zap.Int("timeout_seconds", timeoutSeconds))
	}

	if err := s.docker.ContainerKill(context.Background(), containerID, "SIGKILL"); err != nil {
		// The container may have exited on its own in the meantime.
		logging.L().Debug("container kill failed",
			zap.String("container_id", shortID(containerID)), zap.Error(err))
	}
	return -1, true
}

// captureLogs retrieves stdout and stderr, each truncated to 64 KiB and
// sanitized. Log retrieval failures degrade to empty output rather than
// failing the run.
func (s *ContainerSandbox) captureLogs(ctx context.Context, containerID string) (string, string) {
	rc, err := s.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		logging.L().Warn("failed to fetch container logs",
			zap.String("container_id", shortID(containerID)), zap.Error(err))
		return "", ""
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		logging.L().Warn("failed to demux container logs",
			zap.String("container_id", shortID(containerID)), zap.Error(err))
	}

	out := sanitizeOutput(string(truncateOutput(stdout.Bytes())))
	errOut := sanitizeOutput(string(truncateOutput(stderr.Bytes())))
	return out, errOut
}

// collectOutputFiles copies /output from the container and extracts its
// artifacts, capping the archive at 32 MiB. A missing /output directory
// simply yields no files.
func (s *ContainerSandbox) collectOutputFiles(ctx context.Context, containerID string) map[string][]byte {
	rc, _, err := s.docker.CopyFromContainer(ctx, containerID, "/output/")
	if err != nil {
		logging.L().Debug("no output archive from container",
			zap.String("container_id", shortID(containerID)), zap.Error(err))
		return map[string][]byte{}
	}
	defer rc.Close()

	files, err := extractOutputArchive(io.LimitReader(rc, maxOutputFilesBytes))
	if err != nil {
		logging.L().Warn("output archive truncated or unreadable",
			zap.String("container_id", shortID(containerID)), zap.Error(err))
	}
	return files
}

// materializeText writes relative path -> source files under a fresh temp
// directory for a read-only bind mount.
func materializeText(prefix string, files map[string]string) (string, error) {
	raw := make(map[string][]byte, len(files))
	for name, content := range files {
		raw[name] = []byte(content)
	}
	return materializeBytes(prefix, raw)
}

func materializeBytes(prefix string, files map[string][]byte) (string, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	for name, content := range files {
		if unsafeArchivePath(name) {
			os.RemoveAll(dir)
			return "", fmt.Errorf("path traversal in file name %q", name)
		}
		dest := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("creating dir for %s: %w", name, err)
		}
		if err := os.WriteFile(dest, content, 0o444); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return dir, nil
}

// filterEnv drops blocked variables and renders the rest as KEY=VALUE,
// sorted for deterministic container configs.
func filterEnv(envVars map[string]string) []string {
	var env []string
	for key, value := range envVars {
		if _, blocked := blockedEnvVars[strings.ToUpper(key)]; blocked {
			logging.L().Warn("blocked dangerous env var", zap.String("name", key))
			continue
		}
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
