package kmock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Dev is a packed device number: 12 bits of major, 20 bits of minor, matching the kernel's dev_t
// layout. The zero value doubles as the "no device" sentinel in shim returns.
type Dev uint32

const (
	minorBits = 20
	minorMask = (1 << minorBits) - 1
	majorMax  = (1 << 12) - 1
)

// Mkdev packs a major/minor pair into a device number.
func Mkdev(major, minor uint32) Dev {
	return Dev(major<<minorBits | minor&minorMask)
}

// Major returns the major number of d.
func (d Dev) Major() uint32 {
	return uint32(d) >> minorBits
}

// Minor returns the minor number of d.
func (d Dev) Minor() uint32 {
	return uint32(d) & minorMask
}

// String implements fmt.Stringer
func (d Dev) String() string {
	return fmt.Sprintf("%d:%d", d.Major(), d.Minor())
}

// FileOperations is the set of driver callbacks bound to a character device. The shim layer only
// tracks the binding, it never invokes the callbacks itself; the engine drives them directly.
type FileOperations struct {
	Owner   string
	Open    func(dev Dev) int
	Release func(dev Dev) int
	Read    func(dev Dev, dst UserAddr, n uint32) int
	Write   func(dev Dev, src UserAddr, n uint32) int
	Ioctl   func(dev Dev, cmd uint32, arg uint64) int
}

// DeviceRegion is a reserved range of device numbers. Regions are never removed from the kernel's
// list within a run, release just clears the allocated flag, so releasing twice is detectable as a
// usage error instead of crashing the host.
type DeviceRegion struct {
	base      Dev
	count     uint32
	name      string
	allocated bool
}

// Base returns the first device number of the region.
func (r *DeviceRegion) Base() Dev { return r.base }

// Count returns the number of reserved minors.
func (r *DeviceRegion) Count() uint32 { return r.count }

// Name returns the owner name given at allocation.
func (r *DeviceRegion) Name() string { return r.name }

// Allocated reports whether the region is currently allocated.
func (r *DeviceRegion) Allocated() bool { return r.allocated }

// overlaps reports whether [base, base+count) intersects the region. Ranges never span majors here,
// allocation rejects minor overflow up front.
func (r *DeviceRegion) overlaps(base Dev, count uint32) bool {
	if r.base.Major() != base.Major() {
		return false
	}
	lo, hi := base.Minor(), base.Minor()+count
	rlo, rhi := r.base.Minor(), r.base.Minor()+r.count
	return lo < rhi && rlo < hi
}

// Dynamic major allocation scans downward from this value, mirroring the kernel's dynamic range.
const dynamicMajorMax = 511

// conflictLocked returns an allocated region overlapping [base, base+count), if any.
func (k *Kernel) conflictLocked(base Dev, count uint32) *DeviceRegion {
	for _, r := range k.regions {
		if r.allocated && r.overlaps(base, count) {
			return r
		}
	}
	return nil
}

func (k *Kernel) reserveLocked(base Dev, count uint32, name string) *DeviceRegion {
	// Reuse a released slot for the exact same range before growing the list.
	for _, r := range k.regions {
		if !r.allocated && r.base == base && r.count == count {
			r.name = name
			r.allocated = true
			return r
		}
	}

	r := &DeviceRegion{base: base, count: count, name: name, allocated: true}
	k.regions = append(k.regions, r)
	return r
}

// AllocChrdevRegion reserves a range of count device numbers. A baseMajor of zero asks for a
// dynamically allocated major. On success the first device number of the range is returned with 0;
// on failure the Dev is zero and the second return value is a negative errno: -EINVAL for a
// malformed range, -EBUSY when the range (or every dynamic major) conflicts with an allocated region.
func (k *Kernel) AllocChrdevRegion(baseMajor, minorBase, count uint32, name string) (Dev, int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("alloc_chrdev_region", fmt.Sprintf("major=%d minor=%d count=%d name=%s", baseMajor, minorBase, count, name))

	if count == 0 || minorBase > minorMask || count > minorMask+1-minorBase || baseMajor > majorMax {
		return 0, errno(unix.EINVAL)
	}

	if baseMajor == 0 {
		for major := uint32(dynamicMajorMax); major >= 1; major-- {
			base := Mkdev(major, minorBase)
			if k.conflictLocked(base, count) == nil {
				r := k.reserveLocked(base, count, name)
				return r.base, 0
			}
		}
		return 0, errno(unix.EBUSY)
	}

	base := Mkdev(baseMajor, minorBase)
	if other := k.conflictLocked(base, count); other != nil {
		return 0, errno(unix.EBUSY)
	}

	r := k.reserveLocked(base, count, name)
	return r.base, 0
}

// RegisterChrdevRegion reserves the fixed range [from, from+count). Overlap with an allocated region,
// even partial, fails with -EBUSY.
func (k *Kernel) RegisterChrdevRegion(from Dev, count uint32, name string) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("register_chrdev_region", fmt.Sprintf("from=%s count=%d name=%s", from, count, name))

	// Checked in 64-bit so a huge count cannot wrap past the minor space.
	if count == 0 || uint64(from.Minor())+uint64(count) > minorMask+1 {
		return errno(unix.EINVAL)
	}
	if other := k.conflictLocked(from, count); other != nil {
		return errno(unix.EBUSY)
	}

	k.reserveLocked(from, count, name)
	return 0
}

// UnregisterChrdevRegion releases the range previously reserved as [from, from+count). Releasing a
// range that is not currently allocated is a usage violation: it is recorded, -EINVAL is returned,
// and the host process survives. Devices still added on the region are left alone (teardown ordering
// is the driver's business, CdevDel flags it).
func (k *Kernel) UnregisterChrdevRegion(from Dev, count uint32) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("unregister_chrdev_region", fmt.Sprintf("from=%s count=%d", from, count))

	for _, r := range k.regions {
		if r.base == from && r.count == count {
			if !r.allocated {
				k.violation("unregister_chrdev_region", fmt.Sprintf("region %s released twice", from))
				return errno(unix.EINVAL)
			}
			r.allocated = false
			return 0
		}
	}

	k.violation("unregister_chrdev_region", fmt.Sprintf("no region reserved at %s count=%d", from, count))
	return errno(unix.EINVAL)
}

// CdevHandle is an opaque token for a registered character device. The zero handle is invalid.
type CdevHandle uint32

// Cdev is the bookkeeping behind a CdevHandle.
type Cdev struct {
	ops         *FileOperations
	initialized bool
	added       bool
	// Range bound by CdevAdd; only a relation, the region owns its own lifetime.
	dev   Dev
	count uint32
}

// Ops returns the operations bound by CdevInit, nil before initialization.
func (c *Cdev) Ops() *FileOperations { return c.ops }

// Added reports whether the device is currently added.
func (c *Cdev) Added() bool { return c.added }

// Dev returns the device number bound by CdevAdd.
func (c *Cdev) Dev() Dev { return c.dev }

// CdevAlloc creates a fresh character-device handle in "not initialized" state. The C-linkage glue
// calls this when the driver's struct cdev comes into existence.
func (k *Kernel) CdevAlloc() CdevHandle {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("cdev_alloc", "")

	token, err := k.handles.add(&Cdev{}, 0, "cdev")
	if err != nil {
		// Arena exhaustion is an internal resource limit, not driver misuse; null handle models ENOMEM.
		return 0
	}
	return CdevHandle(token)
}

func (k *Kernel) cdevAt(h CdevHandle) *Cdev {
	obj, found := k.handles.lookup(uint32(h))
	if !found {
		return nil
	}
	c, ok := obj.(*Cdev)
	if !ok {
		return nil
	}
	return c
}

// CdevInit binds operation callbacks to a device handle and establishes it in "initialized, not
// added" state. Always succeeds on a live handle; a dead or foreign handle is a usage violation.
func (k *Kernel) CdevInit(h CdevHandle, ops *FileOperations) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("cdev_init", "")

	c := k.cdevAt(h)
	if c == nil {
		k.violation("cdev_init", fmt.Sprintf("invalid cdev handle 0x%x", uint32(h)))
		return
	}
	if c.added {
		k.violation("cdev_init", "cdev reinitialized while added")
		return
	}

	c.ops = ops
	c.initialized = true
}

// CdevAdd makes an initialized device live on [dev, dev+count). It fails, returning a negative errno
// so the driver's error paths stay reachable, when the handle is dead or uninitialized (-EINVAL),
// when the device is already added (-EBUSY, also recorded as a violation), when the target region is
// not currently allocated (-ENXIO), or when count exceeds what the region reserved (-EBUSY).
func (k *Kernel) CdevAdd(h CdevHandle, dev Dev, count uint32) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("cdev_add", fmt.Sprintf("dev=%s count=%d", dev, count))

	c := k.cdevAt(h)
	if c == nil {
		k.violation("cdev_add", fmt.Sprintf("invalid cdev handle 0x%x", uint32(h)))
		return errno(unix.EINVAL)
	}
	if !c.initialized {
		return errno(unix.EINVAL)
	}
	if c.added {
		k.violation("cdev_add", fmt.Sprintf("cdev already added at %s", c.dev))
		return errno(unix.EBUSY)
	}
	if count == 0 {
		return errno(unix.EINVAL)
	}

	region := k.conflictLocked(dev, count)
	if region == nil {
		return errno(unix.ENXIO)
	}
	// The whole [dev, dev+count) range must fall inside the one allocated region.
	if dev.Minor() < region.base.Minor() || dev.Minor()+count > region.base.Minor()+region.count {
		return errno(unix.EBUSY)
	}

	c.dev = dev
	c.count = count
	c.added = true
	return 0
}

// CdevDel transitions an added device back to "not added". Deleting a device that was never added, or
// deleting it twice, is a usage violation (-EINVAL). Deleting a device whose region was already
// released is legal, kernel teardown ordering allows it, but is flagged for later inspection.
func (k *Kernel) CdevDel(h CdevHandle) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.crossing("cdev_del", "")

	c := k.cdevAt(h)
	if c == nil {
		k.violation("cdev_del", fmt.Sprintf("invalid cdev handle 0x%x", uint32(h)))
		return errno(unix.EINVAL)
	}
	if !c.added {
		k.violation("cdev_del", "cdev_del on a device that is not added")
		return errno(unix.EINVAL)
	}

	if region := k.conflictLocked(c.dev, c.count); region == nil {
		k.event(EventTeardownOrder, "cdev_del", fmt.Sprintf("region backing %s already released", c.dev))
	}

	c.added = false
	c.dev = 0
	c.count = 0
	return 0
}
