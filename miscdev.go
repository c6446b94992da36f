package kmock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MiscDynamicMinor asks MiscRegister to pick a free minor.
const MiscDynamicMinor = 255

// maxMiscRegistrations bounds the registration table. A small table is enough for the drivers under
// test; running out returns -EBUSY instead of growing, so an engine can explore the full-table branch.
const maxMiscRegistrations = 4

// Dynamic minors are handed out downward from 254, the static range below stays untouched.
const miscDynamicBase = 254

// MiscDevice is a miscellaneous character device registration, the misc_register surface. Minor is
// the requested minor (MiscDynamicMinor for "pick one"); the assigned minor is readable after
// registration.
type MiscDevice struct {
	Minor uint32
	Name  string
	Ops   *FileOperations

	assigned   uint32
	registered bool
}

// AssignedMinor returns the minor in effect after a successful MiscRegister.
func (m *MiscDevice) AssignedMinor() uint32 {
	return m.assigned
}

// Registered reports whether the device is currently registered.
func (m *MiscDevice) Registered() bool {
	return m.registered
}

type miscRegistrations struct {
	list [maxMiscRegistrations]*MiscDevice
	used int
}

func (mr *miscRegistrations) reset() {
	*mr = miscRegistrations{}
}

func (mr *miscRegistrations) byMinor(minor uint32) *MiscDevice {
	// Later registrations shadow earlier ones, so search newest first.
	for i := mr.used - 1; i >= 0; i-- {
		if mr.list[i] != nil && mr.list[i].assigned == minor {
			return mr.list[i]
		}
	}
	return nil
}

// MiscRegister registers a misc device. It fails with -EBUSY when the table is full or the requested
// minor is taken, and with -EINVAL when m is already registered (also a usage violation). With
// MiscDynamicMinor a free minor is allocated from the dynamic range.
func (k *Kernel) MiscRegister(m *MiscDevice) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("misc_register", fmt.Sprintf("name=%s minor=%d", m.Name, m.Minor))

	if m.registered {
		k.violation("misc_register", fmt.Sprintf("misc device %q registered twice", m.Name))
		return errno(unix.EINVAL)
	}
	if k.misc.used >= maxMiscRegistrations {
		return errno(unix.EBUSY)
	}

	minor := m.Minor
	if minor == MiscDynamicMinor {
		var picked bool
		for cand := uint32(miscDynamicBase); cand > 0; cand-- {
			if k.misc.byMinor(cand) == nil {
				minor, picked = cand, true
				break
			}
		}
		if !picked {
			return errno(unix.EBUSY)
		}
	} else if k.misc.byMinor(minor) != nil {
		return errno(unix.EBUSY)
	}

	m.assigned = minor
	m.registered = true
	k.misc.list[k.misc.used] = m
	k.misc.used++

	return 0
}

// MiscDeregister removes a registration. Deregistering a device that is not registered is a usage
// violation returning -EINVAL.
func (k *Kernel) MiscDeregister(m *MiscDevice) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("misc_deregister", fmt.Sprintf("name=%s", m.Name))

	if !m.registered {
		k.violation("misc_deregister", fmt.Sprintf("misc device %q not registered", m.Name))
		return errno(unix.EINVAL)
	}

	for i := 0; i < k.misc.used; i++ {
		if k.misc.list[i] == m {
			copy(k.misc.list[i:], k.misc.list[i+1:k.misc.used])
			k.misc.used--
			k.misc.list[k.misc.used] = nil
			break
		}
	}

	m.registered = false
	return 0
}
