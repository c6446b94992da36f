package kmock

import "fmt"

// SysctlHandle is an opaque token for a registered sysctl table. The zero handle means registration
// failed.
type SysctlHandle uint32

// SysctlTable is the driver-visible part of a sysctl registration; the entries are opaque names, the
// shim only tracks the registration lifecycle.
type SysctlTable struct {
	Path    string
	Entries []string
}

type sysctlRegistration struct {
	table *SysctlTable
}

// RegisterSysctl registers a sysctl table and returns a live handle for it. Unlike the inert stub
// this replaces, the handle participates in lifecycle checking so a double unregister is detectable.
func (k *Kernel) RegisterSysctl(path string, table *SysctlTable) SysctlHandle {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("register_sysctl", fmt.Sprintf("path=%s entries=%d", path, len(table.Entries)))

	table.Path = path
	token, err := k.handles.add(&sysctlRegistration{table: table}, 0, "sysctl")
	if err != nil {
		return 0
	}

	k.sysctls++
	return SysctlHandle(token)
}

// UnregisterSysctlTable removes a sysctl registration. Unregistering a dead or null handle is a usage
// violation.
func (k *Kernel) UnregisterSysctlTable(h SysctlHandle) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("unregister_sysctl_table", "")

	obj, found := k.handles.lookup(uint32(h))
	if !found {
		k.violation("unregister_sysctl_table", fmt.Sprintf("invalid sysctl handle 0x%x", uint32(h)))
		return
	}
	reg, ok := obj.(*sysctlRegistration)
	if !ok {
		k.violation("unregister_sysctl_table", fmt.Sprintf("handle 0x%x is not a sysctl table", uint32(h)))
		return
	}

	k.handles.remove(reg)
	k.sysctls--
}
