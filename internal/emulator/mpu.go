package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Permission is one of the three access-right triples the MPU contract
// (spec §6) supports for a region.
type Permission int

const (
	ReadExecuteOnly Permission = iota
	ReadWriteOnly
	ReadWriteExecute
)

func (p Permission) ucProt() int {
	switch p {
	case ReadExecuteOnly:
		return uc.PROT_READ | uc.PROT_EXEC
	case ReadWriteExecute:
		return uc.PROT_READ | uc.PROT_WRITE | uc.PROT_EXEC
	default:
		return uc.PROT_READ | uc.PROT_WRITE
	}
}

// MPURegion is one region entry in an MPU configuration.
type MPURegion struct {
	Start      uint64
	Size       uint64
	Permission Permission
}

// MPUConfig is the set of regions the MPU should enforce once enabled,
// built by NewConfig + AllocateRegion and installed with ConfigureMPU.
type MPUConfig struct {
	Regions []MPURegion
}

// MPUConfigError reports that a region could not be reconciled with the
// already-configured regions (most commonly: an overlap).
type MPUConfigError struct{ Detail string }

func (e *MPUConfigError) Error() string { return "emulator: MPU config error: " + e.Detail }

// NewConfig starts a fresh, empty MPU configuration.
func NewConfig() *MPUConfig {
	return &MPUConfig{}
}

// AllocateRegion adds a region to cfg, aligned to alignment, rejecting
// configurations where the new region overlaps one already present.
func (cfg *MPUConfig) AllocateRegion(start, size, alignment uint64, perm Permission) error {
	if alignment > 0 && start%alignment != 0 {
		return &MPUConfigError{Detail: fmt.Sprintf("region start %#x not aligned to %#x", start, alignment)}
	}
	end := start + size
	for _, r := range cfg.Regions {
		rEnd := r.Start + r.Size
		if start < rEnd && r.Start < end {
			return &MPUConfigError{Detail: fmt.Sprintf("region [%#x,%#x) overlaps existing [%#x,%#x)", start, end, r.Start, rEnd)}
		}
	}
	cfg.Regions = append(cfg.Regions, MPURegion{Start: start, Size: size, Permission: perm})
	return nil
}

// MPU drives the emulator's memory protection, implementing the MPU
// contract the runtime façade consumes (new_config, allocate_region,
// configure_mpu, enable_app_mpu, disable_app_mpu).
type MPU struct {
	emu     *Emulator
	cfg     *MPUConfig
	enabled bool
}

// NewMPU returns an MPU driving emu, with no configuration installed.
func NewMPU(emu *Emulator) *MPU {
	return &MPU{emu: emu}
}

// ConfigureMPU installs cfg as the region set future Enable calls
// enforce. It does not itself change any region's current protection.
func (m *MPU) ConfigureMPU(cfg *MPUConfig) {
	m.cfg = cfg
}

// Enable applies every configured region's declared permission, putting
// the foreign domain under the PMP-equivalent restriction the spec
// requires while it runs.
func (m *MPU) Enable() error {
	if m.cfg == nil {
		return &MPUConfigError{Detail: "enable called with no configuration installed"}
	}
	for _, r := range m.cfg.Regions {
		if err := m.emu.mu.MemProtect(r.Start, r.Size, r.Permission.ucProt()); err != nil {
			return fmt.Errorf("emulator: enable MPU region [%#x,+%#x): %w", r.Start, r.Size, err)
		}
	}
	m.enabled = true
	return nil
}

// Disable removes every configured region's restriction (full
// read+write+execute), the state the runtime's own code runs under
// between invokes.
func (m *MPU) Disable() error {
	if m.cfg == nil {
		return nil
	}
	for _, r := range m.cfg.Regions {
		if err := m.emu.mu.MemProtect(r.Start, r.Size, uc.PROT_ALL); err != nil {
			return fmt.Errorf("emulator: disable MPU region [%#x,+%#x): %w", r.Start, r.Size, err)
		}
	}
	m.enabled = false
	return nil
}

// Enabled reports whether the MPU is currently enforcing its
// configuration.
func (m *MPU) Enabled() bool { return m.enabled }
