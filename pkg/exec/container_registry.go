package exec

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"autocoder/pkg/logx"
	"autocoder/pkg/utils"
)

// RegistryContainerInfo holds information about a registered container.
type RegistryContainerInfo struct {
	StartTime     time.Time
	LastUsed      time.Time
	ContainerID   string
	ContainerName string
	AgentID       string
	ProjectID     string
	Role          string // coder, reviewer, tester
	Holds         int    // active holders; held containers are never stale
}

// ReapFunc stops and removes one container by id.
type ReapFunc func(ctx context.Context, containerID string) error

// ContainerRegistry tracks live containers for stale cleanup and
// per-project accounting.
type ContainerRegistry struct {
	containers map[string]*RegistryContainerInfo // containerID -> info
	logger     *logx.Logger
	shutdown   chan struct{}
	done       chan struct{}
	once       sync.Once
	started    atomic.Bool
	mu         sync.RWMutex
}

// NewContainerRegistry creates an empty registry.
func NewContainerRegistry(logger *logx.Logger) *ContainerRegistry {
	if logger == nil {
		logger = logx.NewLogger("container-registry")
	}
	return &ContainerRegistry{
		containers: make(map[string]*RegistryContainerInfo),
		logger:     logger,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Register starts tracking a container.
func (r *ContainerRegistry) Register(containerID, containerName, agentID, projectID, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sanitizedAgentID := utils.SanitizeIdentifier(agentID)
	now := time.Now()
	r.containers[containerID] = &RegistryContainerInfo{
		ContainerID:   containerID,
		ContainerName: containerName,
		AgentID:       sanitizedAgentID,
		ProjectID:     projectID,
		Role:          role,
		StartTime:     now,
		LastUsed:      now,
	}
	r.logger.Info("📦 Container registered: %s (agent: %s, project: %s, role: %s)", containerName, sanitizedAgentID, projectID, role)
}

// Unregister stops tracking a container.
func (r *ContainerRegistry) Unregister(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, exists := r.containers[containerID]; exists {
		delete(r.containers, containerID)
		r.logger.Info("📦 Container unregistered: %s (agent: %s, role: %s)", info.ContainerName, info.AgentID, info.Role)
	}
}

// Hold marks a container as in use until the matching Unhold. Holds nest.
func (r *ContainerRegistry) Hold(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, exists := r.containers[containerID]; exists {
		info.Holds++
		info.LastUsed = time.Now()
	}
}

// Unhold releases one hold and marks the container as just used.
func (r *ContainerRegistry) Unhold(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, exists := r.containers[containerID]; exists {
		if info.Holds > 0 {
			info.Holds--
		}
		info.LastUsed = time.Now()
	}
}

func (r *ContainerRegistry) isStale(containerID string, cutoff time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.containers[containerID]
	return exists && info.Holds == 0 && info.LastUsed.Before(cutoff)
}

// GetActiveContainers returns a copy of all tracked containers.
func (r *ContainerRegistry) GetActiveContainers() map[string]RegistryContainerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]RegistryContainerInfo, len(r.containers))
	for id, info := range r.containers {
		result[id] = *info
	}
	return result
}

// GetContainersByAgent returns all containers for an agent.
func (r *ContainerRegistry) GetContainersByAgent(agentID string) []RegistryContainerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sanitizedAgentID := utils.SanitizeIdentifier(agentID)
	var containers []RegistryContainerInfo
	for _, info := range r.containers {
		if info.AgentID == sanitizedAgentID {
			containers = append(containers, *info)
		}
	}
	return containers
}

// GetContainersByProject returns all containers working on a project.
func (r *ContainerRegistry) GetContainersByProject(projectID string) []RegistryContainerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var containers []RegistryContainerInfo
	for _, info := range r.containers {
		if info.ProjectID == projectID {
			containers = append(containers, *info)
		}
	}
	return containers
}

func (r *ContainerRegistry) GetContainerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers)
}

// GetStaleContainers returns unheld containers idle for longer than
// staleDuration.
func (r *ContainerRegistry) GetStaleContainers(staleDuration time.Duration) []RegistryContainerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-staleDuration)
	var stale []RegistryContainerInfo
	for _, info := range r.containers {
		if info.Holds == 0 && info.LastUsed.Before(cutoff) {
			stale = append(stale, *info)
		}
	}
	return stale
}

// StartCleanupRoutine periodically reaps containers idle past staleThreshold.
func (r *ContainerRegistry) StartCleanupRoutine(ctx context.Context, reap ReapFunc, cleanupInterval, staleThreshold time.Duration) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("📦 Container cleanup routine stopping due to context cancellation")
				return
			case <-r.shutdown:
				r.logger.Info("📦 Container cleanup routine stopping due to shutdown signal")
				return
			case <-ticker.C:
				r.cleanupStaleContainers(ctx, reap, staleThreshold)
			}
		}
	}()
}

func (r *ContainerRegistry) cleanupStaleContainers(ctx context.Context, reap ReapFunc, staleThreshold time.Duration) {
	staleContainers := r.GetStaleContainers(staleThreshold)
	if len(staleContainers) == 0 {
		return
	}

	r.logger.Info("📦 Found %d stale containers, cleaning up", len(staleContainers))
	for _, container := range staleContainers {
		// A hold may have been taken since the scan.
		if !r.isStale(container.ContainerID, time.Now().Add(-staleThreshold)) {
			continue
		}
		r.logger.Info("📦 Cleaning up stale container %s (agent: %s, idle for %v)",
			container.ContainerName, container.AgentID, time.Since(container.LastUsed))
		if err := reap(ctx, container.ContainerID); err != nil {
			r.logger.Error("Failed to cleanup stale container %s: %v", container.ContainerName, err)
			continue
		}
		r.Unregister(container.ContainerID)
	}
}

// Shutdown stops the cleanup routine and waits for it to finish.
func (r *ContainerRegistry) Shutdown() {
	r.once.Do(func() { close(r.shutdown) })
	if r.started.Load() {
		<-r.done
	}
}
