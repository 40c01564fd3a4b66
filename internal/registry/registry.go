// Package registry holds the immutable tool-to-service mapping. One registry
// instance is built from configuration and injected everywhere the mapping is
// needed, so the dispatcher and the adapters can never disagree about which
// service owns a tool.
package registry

import (
	"fmt"
	"sort"

	"github.com/probeworks/gauntlet/internal/model"
)

// ServiceInfo describes the owner of a tool. Availability is refreshed by an
// external health-check collaborator; the registry only carries the flag.
type ServiceInfo struct {
	Service   string
	Available bool
}

// Registry maps tool names to their owning service. Immutable after New.
type Registry struct {
	owners map[string]ServiceInfo
}

// New builds a registry from service configuration, skipping disabled
// services entirely so their tools count as unknown.
func New(services []model.ServiceConfig) (*Registry, error) {
	owners := make(map[string]ServiceInfo)
	for _, svc := range services {
		if !svc.Enabled {
			continue
		}
		for _, tool := range svc.Tools {
			if prev, ok := owners[tool]; ok {
				return nil, fmt.Errorf("tool %q owned by both %q and %q", tool, prev.Service, svc.Name)
			}
			owners[tool] = ServiceInfo{Service: svc.Name, Available: true}
		}
	}
	return &Registry{owners: owners}, nil
}

// Owner resolves the owning service of a tool.
func (r *Registry) Owner(tool string) (ServiceInfo, error) {
	info, ok := r.owners[tool]
	if !ok {
		return ServiceInfo{}, fmt.Errorf("%w: %q", model.ErrUnknownTool, tool)
	}
	return info, nil
}

// Tools returns all known tool names, sorted.
func (r *Registry) Tools() []string {
	tools := make([]string, 0, len(r.owners))
	for tool := range r.owners {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	return tools
}

// Services returns all service names owning at least one tool, sorted.
func (r *Registry) Services() []string {
	seen := make(map[string]bool)
	for _, info := range r.owners {
		seen[info.Service] = true
	}
	services := make([]string, 0, len(seen))
	for svc := range seen {
		services = append(services, svc)
	}
	sort.Strings(services)
	return services
}

// ToolsOf returns the tools owned by one service, sorted.
func (r *Registry) ToolsOf(service string) []string {
	var tools []string
	for tool, info := range r.owners {
		if info.Service == service {
			tools = append(tools, tool)
		}
	}
	sort.Strings(tools)
	return tools
}

// GroupByService splits a tool list into per-service groups, preserving the
// request order inside each group. Any unknown tool fails the whole call
// before a single group is built.
func (r *Registry) GroupByService(tools []string) (map[string][]string, error) {
	for _, tool := range tools {
		if _, ok := r.owners[tool]; !ok {
			return nil, fmt.Errorf("%w: %q", model.ErrUnknownTool, tool)
		}
	}
	groups := make(map[string][]string)
	for _, tool := range tools {
		owner := r.owners[tool].Service
		groups[owner] = append(groups[owner], tool)
	}
	return groups, nil
}
