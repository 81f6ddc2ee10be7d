package exec

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
)

// Container labels set by the sub-agent coordinator.
const (
	LabelAgent   = "autocoder.agent"
	LabelProject = "autocoder.project"
	LabelRole    = "autocoder.role"
)

// createArgs builds `docker create` arguments for cfg. Only the isolation
// requested by cfg is applied; nothing here widens privileges.
func createArgs(name string, cfg *ContainerConfig) ([]string, error) {
	args := []string{"create", "--name", name, "--security-opt", "no-new-privileges"}

	for _, c := range cfg.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	if cfg.ReadOnlyRootFS {
		args = append(args, "--read-only", "--env", "HOME=/tmp")
	}
	if cfg.TmpfsSize != "" {
		args = append(args, "--tmpfs", fmt.Sprintf("/tmp:exec,nodev,nosuid,size=%s", cfg.TmpfsSize))
	}
	if cfg.NetworkDisabled {
		args = append(args, "--network", "none")
	}

	if cfg.Resources.CPUs != "" {
		args = append(args, "--cpus", cfg.Resources.CPUs)
	}
	if cfg.Resources.Memory != "" {
		args = append(args, "--memory", cfg.Resources.Memory)
	}
	if cfg.Resources.PIDs > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(cfg.Resources.PIDs, 10))
	}

	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}

	for _, v := range cfg.Volumes {
		hostPath, err := filepath.Abs(v.HostPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve volume path %s: %w", v.HostPath, err)
		}
		mode := "rw"
		if v.ReadOnly {
			mode = "ro"
		}
		args = append(args, "--volume", fmt.Sprintf("%s:%s:%s", filepath.Clean(hostPath), v.ContainerPath, mode))
	}

	for _, p := range cfg.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		args = append(args, "--publish", fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, proto))
	}

	if cfg.WorkDir != "" {
		args = append(args, "--workdir", cfg.WorkDir)
	}
	for _, kv := range sortedPairs(cfg.Environment) {
		args = append(args, "--env", kv)
	}
	for _, kv := range sortedPairs(cfg.Labels) {
		args = append(args, "--label", kv)
	}

	// Keep the container alive between exec calls.
	args = append(args, cfg.Image, "sleep", "infinity")
	return args, nil
}

// execArgs builds `docker exec` arguments.
func execArgs(name string, opts *ExecOptions) []string {
	args := []string{"exec", "-i"}
	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "--workdir", opts.WorkDir)
	}
	for _, kv := range sortedPairs(opts.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, name)
	return append(args, opts.Command...)
}

func sortedPairs(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
