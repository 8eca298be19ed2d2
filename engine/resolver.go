package engine

import (
	"slices"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/types"
)

// resolveModules returns the transitive closure of names in dependency-first
// order. Requested modules keep their relative order where dependencies allow.
func resolveModules(reg *ModuleRegistry, configs types.ModuleConfigs, names []string) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int)
	var order, path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case visiting:
			start := slices.Index(path, name)
			cycle := append(slices.Clone(path[start:]), name)
			return errors.NewCycleError("module", cycle)
		}

		m, ok := reg.lookup(name)
		if !ok {
			if len(path) > 0 {
				return errors.NewConfigurationError("module "+name,
					"unknown module required by "+path[len(path)-1], nil)
			}
			return errors.NewConfigurationError("module "+name, "unknown module", nil)
		}
		if cfg, ok := configs[name]; ok && !cfg.IsEnabled() {
			return errors.NewConfigurationError("module "+name, "module is disabled in configuration", nil)
		}

		marks[name] = visiting
		path = append(path, name)
		for _, dep := range m.Dependencies.Modules {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		marks[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// servicePlan is a validated set of services in construction order
type servicePlan struct {
	order    []ServiceType
	adapters map[ServiceType]*Adapter
	configs  map[ServiceType]types.ServiceConfig
}

// requirements returns what t needs beyond the modules' declarations: the
// static table, the config's requires list and the adapter's own needs.
func requirements(t ServiceType, configs types.ServiceConfigs, adapters *AdapterRegistry) []ServiceType {
	reqs := StaticServiceRequirements(t)
	cfg, ok := configs[string(t)]
	if !ok {
		return reqs
	}
	for _, r := range cfg.Requires {
		reqs = append(reqs, ServiceType(r))
	}
	if a, err := adapters.resolve(t, cfg); err == nil {
		reqs = append(reqs, a.Requires...)
	}
	return reqs
}

// resolveServices unions the declared services over the module closure and
// expands the set until no requirement adds a new type.
func resolveServices(reg *ModuleRegistry, order []string, configs types.ServiceConfigs,
	adapters *AdapterRegistry,
) map[ServiceType]bool {
	needed := make(map[ServiceType]bool)
	for _, name := range order {
		m, _ := reg.lookup(name)
		for _, t := range m.Dependencies.Services {
			needed[t] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for t := range needed {
			for _, r := range requirements(t, configs, adapters) {
				if !needed[r] {
					needed[r] = true
					changed = true
				}
			}
		}
	}
	return needed
}

// planServices validates the config of every needed service and orders them
// so each is constructed after the services it requires. Nothing is
// constructed here.
func planServices(needed map[ServiceType]bool, configs types.ServiceConfigs,
	adapters *AdapterRegistry,
) (*servicePlan, error) {
	plan := &servicePlan{
		adapters: make(map[ServiceType]*Adapter, len(needed)),
		configs:  make(map[ServiceType]types.ServiceConfig, len(needed)),
	}

	sorted := make([]ServiceType, 0, len(needed))
	for t := range needed {
		sorted = append(sorted, t)
	}
	slices.Sort(sorted)

	for _, t := range sorted {
		subject := "service " + string(t)
		cfg, ok := configs[string(t)]
		if !ok {
			return nil, errors.NewConfigurationError(subject, "no adapter configured", errors.ErrMissingConfig)
		}
		if err := cfg.Validate(); err != nil {
			return nil, errors.NewConfigurationError(subject, "invalid service configuration", err)
		}
		a, err := adapters.resolve(t, cfg)
		if err != nil {
			return nil, err
		}
		if a.Validate != nil {
			if err := a.Validate(cfg.Config); err != nil {
				return nil, errors.NewConfigurationError(subject, "invalid "+a.Name+" adapter configuration", err)
			}
		}
		plan.adapters[t] = a
		plan.configs[t] = cfg
	}

	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[ServiceType]int)
	var path []string

	var visit func(t ServiceType) error
	visit = func(t ServiceType) error {
		switch marks[t] {
		case done:
			return nil
		case visiting:
			start := slices.Index(path, string(t))
			return errors.NewCycleError("service", append(slices.Clone(path[start:]), string(t)))
		}
		marks[t] = visiting
		path = append(path, string(t))
		for _, r := range requirements(t, configs, adapters) {
			if err := visit(r); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		marks[t] = done
		plan.order = append(plan.order, t)
		return nil
	}

	for _, t := range sorted {
		if err := visit(t); err != nil {
			return nil, err
		}
	}
	return plan, nil
}
