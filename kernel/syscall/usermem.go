package syscall

import (
	"reflect"
	"unsafe"

	"kyanos/kernel"
	"kyanos/kernel/mm"
	"kyanos/kernel/mm/vmm"
	"kyanos/kernel/proc"
)

// maxUserCopy bounds any single user copy so a hostile length cannot walk
// the kernel through gigabytes of translation work.
const maxUserCopy = 16 << 20

// checkUserRange verifies that [ptr, ptr+length) lies entirely within
// user-accessible regions of p's address space, with write permission
// when forWrite is set. Zero-length ranges are always acceptable.
func checkUserRange(p *proc.Process, ptr, length uint64, forWrite bool) kernel.Errno {
	if length == 0 {
		return kernel.ErrNone
	}
	if length > maxUserCopy || ptr+length < ptr {
		return kernel.ErrBadPointer
	}

	start := uintptr(ptr)
	end := uintptr(ptr + length)
	for start < end {
		r := regionFor(p, start)
		if r == nil {
			return kernel.ErrBadPointer
		}
		if r.Flags&vmm.FlagUserAccessible == 0 {
			return kernel.ErrBadPointer
		}
		if forWrite && r.Flags&vmm.FlagRW == 0 {
			return kernel.ErrBadPointer
		}
		start = r.End
	}
	return kernel.ErrNone
}

func regionFor(p *proc.Process, addr uintptr) *vmm.Region {
	regions := p.AS.Regions()
	for i := range regions {
		if addr >= regions[i].Start && addr < regions[i].End {
			return &regions[i]
		}
	}
	return nil
}

// copyFromUser validates and copies a user range into a kernel buffer.
// The copy walks page by page through the physical-memory window, so it
// works regardless of which address space is currently active.
func copyFromUser(p *proc.Process, ptr, length uint64) ([]byte, kernel.Errno) {
	if errno := checkUserRange(p, ptr, length, false); errno != kernel.ErrNone {
		return nil, errno
	}
	if length == 0 {
		return nil, kernel.ErrNone
	}

	buf := make([]byte, length)
	if errno := copyUserPages(p, uintptr(ptr), buf, false); errno != kernel.ErrNone {
		return nil, errno
	}
	return buf, kernel.ErrNone
}

// copyToUser validates and copies a kernel buffer out to a user range.
func copyToUser(p *proc.Process, ptr uint64, data []byte) kernel.Errno {
	if errno := checkUserRange(p, ptr, uint64(len(data)), true); errno != kernel.ErrNone {
		return errno
	}
	if len(data) == 0 {
		return kernel.ErrNone
	}
	return copyUserPages(p, uintptr(ptr), data, true)
}

// copyUserPages moves len(buf) bytes between buf and the user range at
// addr, translating one huge page at a time.
func copyUserPages(p *proc.Process, addr uintptr, buf []byte, toUser bool) kernel.Errno {
	bufBase := (*reflect.SliceHeader)(unsafe.Pointer(&buf)).Data
	done := uintptr(0)
	total := uintptr(len(buf))

	for done < total {
		phys, err := p.AS.Translate(addr + done)
		if err != nil {
			return kernel.ErrBadPointer
		}
		chunk := mm.PageSize - vmm.PageOffset(addr+done)
		if remaining := total - done; chunk > remaining {
			chunk = remaining
		}
		kernelSide := vmm.PhysicalMapAddr(phys)
		if toUser {
			kernel.Memcopy(bufBase+done, kernelSide, chunk)
		} else {
			kernel.Memcopy(kernelSide, bufBase+done, chunk)
		}
		done += chunk
	}
	return kernel.ErrNone
}
