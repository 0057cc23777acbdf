// Package sandbox runs untrusted code in ephemeral Docker containers
// under a strict security policy: no network, read-only rootfs, dropped
// capabilities, and hard resource limits.
package sandbox

import (
	"fmt"

	"github.com/docker/docker/api/types/container"
)

// SecurityPolicy governs the resource limits and hardening of a sandbox
// container. Construct it with NewSecurityPolicy so the invariants are
// checked; a zero value is not valid.
type SecurityPolicy struct {
	NetworkDisabled bool
	ReadOnlyRootfs  bool
	MemoryLimitMB   int
	CPUPeriod       int64
	CPUQuota        int64
	PidsLimit       int64
	TmpfsSizeMB     int
	TimeoutSeconds  int
	NoNewPrivileges bool
	CapDrop         []string
}

// DefaultSecurityPolicy returns the baseline policy: 1 CPU, 2 GiB memory,
// 64 PIDs, 256 MB tmpfs, 120 s timeout, fully locked down.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		NetworkDisabled: true,
		ReadOnlyRootfs:  true,
		MemoryLimitMB:   2048,
		CPUPeriod:       100000,
		CPUQuota:        100000,
		PidsLimit:       64,
		TmpfsSizeMB:     256,
		TimeoutSeconds:  120,
		NoNewPrivileges: true,
		CapDrop:         []string{"ALL"},
	}
}

// NewSecurityPolicy validates and returns a policy. Overrides with zero
// values inherit the default. Network access can never be enabled.
func NewSecurityPolicy(memoryLimitMB, timeoutSeconds, tmpfsSizeMB int, pidsLimit int64) (SecurityPolicy, error) {
	p := DefaultSecurityPolicy()
	if memoryLimitMB != 0 {
		p.MemoryLimitMB = memoryLimitMB
	}
	if timeoutSeconds != 0 {
		p.TimeoutSeconds = timeoutSeconds
	}
	if tmpfsSizeMB != 0 {
		p.TmpfsSizeMB = tmpfsSizeMB
	}
	if pidsLimit != 0 {
		p.PidsLimit = pidsLimit
	}
	if err := p.Validate(); err != nil {
		return SecurityPolicy{}, err
	}
	return p, nil
}

// Validate enforces the policy invariants. It fails fast: a policy that
// would grant network access or carries a non-positive limit is rejected
// before any container exists.
func (p SecurityPolicy) Validate() error {
	if !p.NetworkDisabled {
		return fmt.Errorf("security policy: network access is never allowed for sandboxed containers")
	}
	limits := []struct {
		name  string
		value int64
	}{
		{"memory_limit_mb", int64(p.MemoryLimitMB)},
		{"cpu_period", p.CPUPeriod},
		{"cpu_quota", p.CPUQuota},
		{"pids_limit", p.PidsLimit},
		{"tmpfs_size_mb", int64(p.TmpfsSizeMB)},
		{"timeout_seconds", int64(p.TimeoutSeconds)},
	}
	for _, l := range limits {
		if l.value <= 0 {
			return fmt.Errorf("security policy: %s must be positive, got %d", l.name, l.value)
		}
	}
	return nil
}

// HostConfig projects the policy onto a Docker host config. The network
// mode is hard-coded to none regardless of the struct fields. /tmp is
// mounted exec because interpreters compile and run shared objects there;
// /output is noexec since it only ever holds artifacts.
func (p SecurityPolicy) HostConfig(binds []string) *container.HostConfig {
	memory := int64(p.MemoryLimitMB) * 1024 * 1024
	pids := p.PidsLimit

	var securityOpt []string
	if p.NoNewPrivileges {
		securityOpt = []string{"no-new-privileges"}
	}

	return &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: p.ReadOnlyRootfs,
		Binds:          binds,
		CapDrop:        p.CapDrop,
		SecurityOpt:    securityOpt,
		Tmpfs: map[string]string{
			"/tmp":    fmt.Sprintf("size=%dm,exec,nosuid", p.TmpfsSizeMB),
			"/output": fmt.Sprintf("size=%dm,noexec,nosuid", p.TmpfsSizeMB),
		},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory, // equal to Memory: swap disabled
			CPUPeriod:  p.CPUPeriod,
			CPUQuota:   p.CPUQuota,
			PidsLimit:  &pids,
		},
	}
}
