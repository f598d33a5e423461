// Package phase implements the Phase System: string-named phases
// with cached integer ids, a permission enum, and a hot-path single-compare
// write gate.
package phase

import (
	"fmt"
	"sort"

	"github.com/fdpkernel/fdp/errs"
)

// Permission controls which mutations a phase allows.
type Permission uint8

const (
	// ReadOnly rejects every mutating call.
	ReadOnly Permission = iota
	// ReadWriteAll allows every mutating call unconditionally.
	ReadWriteAll
	// OwnedOnly allows mutation only when the caller's node holds
	// authority over the component in question.
	OwnedOnly
	// UnownedOnly allows mutation only when the caller's node does NOT
	// hold authority over the component in question.
	UnownedOnly
)

func (p Permission) String() string {
	switch p {
	case ReadOnly:
		return "ReadOnly"
	case ReadWriteAll:
		return "ReadWriteAll"
	case OwnedOnly:
		return "OwnedOnly"
	case UnownedOnly:
		return "UnownedOnly"
	default:
		return "Unknown"
	}
}

// ID is a phase's cached dense identifier, assigned at first use of its
// name.
type ID uint32

// Config declares the valid transition graph and per-phase permission for
// a set of named phases. Order lists every phase name in the sequence ids
// are assigned; Order[0] is the phase a Machine starts (or resets to) on
// NewMachine/SetConfig, so it must name the intended default phase.
type Config struct {
	Order            []string
	ValidTransitions map[string][]string
	Permissions      map[string]Permission

	nameToID    map[string]ID
	idToPerm    map[ID]Permission
	idToAllowed map[ID]map[ID]bool
	order       []string
}

// Build compiles the name->id cache and the id-keyed permission/transition
// caches. Must be called once before the config is installed via
// Machine.SetConfig. Ids are assigned by walking Order first, so the
// start phase is always Order[0] rather than whatever a map happened to
// yield first — Go randomizes map iteration order, and ValidTransitions/
// Permissions are both maps.
func (c *Config) Build() {
	c.nameToID = make(map[string]ID)
	c.idToPerm = make(map[ID]Permission)
	c.idToAllowed = make(map[ID]map[ID]bool)
	c.order = nil

	seen := make(map[string]bool, len(c.Order))
	idOf := func(name string) ID {
		if id, ok := c.nameToID[name]; ok {
			return id
		}
		id := ID(len(c.nameToID))
		c.nameToID[name] = id
		c.order = append(c.order, name)
		return id
	}
	for _, name := range c.Order {
		if seen[name] {
			continue
		}
		seen[name] = true
		idOf(name)
	}

	// Any phase referenced only by the transition/permission maps but
	// missing from Order still gets an id, in sorted order, so a config
	// that forgot to list every name stays deterministic rather than
	// falling back to map iteration order.
	var stragglers []string
	for name := range c.Permissions {
		if !seen[name] {
			stragglers = append(stragglers, name)
			seen[name] = true
		}
	}
	for name, targets := range c.ValidTransitions {
		if !seen[name] {
			stragglers = append(stragglers, name)
			seen[name] = true
		}
		for _, t := range targets {
			if !seen[t] {
				stragglers = append(stragglers, t)
				seen[t] = true
			}
		}
	}
	sort.Strings(stragglers)
	for _, name := range stragglers {
		idOf(name)
	}

	for name, id := range c.nameToID {
		c.idToPerm[id] = c.Permissions[name]
	}
	for name, targets := range c.ValidTransitions {
		id := c.nameToID[name]
		set := make(map[ID]bool, len(targets))
		for _, t := range targets {
			set[c.nameToID[t]] = true
		}
		c.idToAllowed[id] = set
	}
}

// IDOf returns the cached id for a phase name.
func (c *Config) IDOf(name string) (ID, bool) {
	id, ok := c.nameToID[name]
	return id, ok
}

// Machine holds the currently active phase and its permission, enabling an
// O(1) single-compare write gate.
type Machine struct {
	cfg        *Config
	currentID  ID
	currentPer Permission
}

// NewMachine installs cfg and enters its first declared phase.
func NewMachine(cfg *Config) (*Machine, error) {
	if cfg == nil || len(cfg.order) == 0 {
		return nil, fmt.Errorf("fdp/phase: config must be built and non-empty")
	}
	start := cfg.order[0]
	id := cfg.nameToID[start]
	return &Machine{cfg: cfg, currentID: id, currentPer: cfg.idToPerm[id]}, nil
}

// SetConfig replaces the active configuration, entering its first declared
// phase.
func (m *Machine) SetConfig(cfg *Config) error {
	if cfg == nil || len(cfg.order) == 0 {
		return fmt.Errorf("fdp/phase: config must be built and non-empty")
	}
	m.cfg = cfg
	start := cfg.order[0]
	m.currentID = cfg.nameToID[start]
	m.currentPer = cfg.idToPerm[m.currentID]
	return nil
}

// Current returns the active phase's id and permission.
func (m *Machine) Current() (ID, Permission) { return m.currentID, m.currentPer }

// CurrentName returns the active phase's declared name.
func (m *Machine) CurrentName() string {
	if int(m.currentID) < len(m.cfg.order) {
		return m.cfg.order[m.currentID]
	}
	return ""
}

// SetPhase transitions to the named phase if it is reachable from the
// current one.
func (m *Machine) SetPhase(name string) error {
	target, ok := m.cfg.nameToID[name]
	if !ok {
		return fmt.Errorf("%w: %q", errs.ErrInvalidTransitionTarget, name)
	}
	allowed := m.cfg.idToAllowed[m.currentID]
	if allowed == nil || !allowed[target] {
		return fmt.Errorf("%w: %s -> %s", errs.ErrWrongPhaseTransition, m.CurrentName(), name)
	}
	m.currentID = target
	m.currentPer = m.cfg.idToPerm[target]
	return nil
}

// CanWrite evaluates the write gate for a mutating call against the
// caller's authority over the component in question (the "owned" bit).
func (m *Machine) CanWrite(ownsComponent bool) bool {
	switch m.currentPer {
	case ReadWriteAll:
		return true
	case ReadOnly:
		return false
	case OwnedOnly:
		return ownsComponent
	case UnownedOnly:
		return !ownsComponent
	default:
		return false
	}
}

// Default phases, mirroring a typical client/server simulation frame:
// Init -> NetworkReceive -> Simulation -> NetworkSend -> Presentation -> loop.
const (
	PhaseInit            = "Init"
	PhaseNetworkReceive  = "NetworkReceive"
	PhaseSimulation      = "Simulation"
	PhaseNetworkSend     = "NetworkSend"
	PhasePresentation    = "Presentation"
)

// DefaultConfig returns the prebuilt Default configuration:
// permissions enforce client/server replication semantics — Init allows
// every mutation, NetworkReceive allows mutation only of components this
// node does not own (replicated, owned-elsewhere state), Simulation only of
// components it owns, and NetworkSend/Presentation are read-only.
func DefaultConfig() *Config {
	cfg := &Config{
		Order: []string{PhaseInit, PhaseNetworkReceive, PhaseSimulation, PhaseNetworkSend, PhasePresentation},
		ValidTransitions: map[string][]string{
			PhaseInit:           {PhaseNetworkReceive},
			PhaseNetworkReceive: {PhaseSimulation},
			PhaseSimulation:     {PhaseNetworkSend},
			PhaseNetworkSend:    {PhasePresentation},
			PhasePresentation:   {PhaseNetworkReceive},
		},
		Permissions: map[string]Permission{
			PhaseInit:           ReadWriteAll,
			PhaseNetworkReceive: UnownedOnly,
			PhaseSimulation:     OwnedOnly,
			PhaseNetworkSend:    ReadOnly,
			PhasePresentation:   ReadOnly,
		},
	}
	cfg.Build()
	return cfg
}

// RelaxedConfig returns the prebuilt Relaxed configuration: every phase can
// transition to every other phase, and every phase allows unrestricted
// mutation — useful for single-player or test harnesses.
func RelaxedConfig() *Config {
	names := []string{PhaseInit, PhaseNetworkReceive, PhaseSimulation, PhaseNetworkSend, PhasePresentation}
	transitions := make(map[string][]string, len(names))
	perms := make(map[string]Permission, len(names))
	for _, n := range names {
		transitions[n] = names
		perms[n] = ReadWriteAll
	}
	cfg := &Config{Order: names, ValidTransitions: transitions, Permissions: perms}
	cfg.Build()
	return cfg
}
