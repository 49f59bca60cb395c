// Package selftest exercises the kernel's core invariants right before
// the first process starts, when every subsystem is initialized but the
// machine is otherwise quiet. It is compiled in unconditionally and
// enabled with the selftest boot flag; the virtual-machine harness greps
// the serial output for the final success line.
package selftest

import (
	"kyanos/kernel"
	"kyanos/kernel/cap"
	"kyanos/kernel/ipc"
	"kyanos/kernel/kfmt"
	"kyanos/kernel/kfmt/early"
	"kyanos/kernel/mm"
	"kyanos/kernel/mm/heap"
	"kyanos/kernel/mm/vmm"
	"kyanos/kernel/rand"
	"kyanos/kernel/time"
)

var errSelfTest = &kernel.Error{Module: "selftest", Message: "self-test failure"}

// Run executes every scenario and writes the success marker to the
// serial console. Any failure panics with the scenario name; a machine
// that cannot pass its own invariants should not start services.
func Run() {
	scenarios := []struct {
		name string
		fn   func() bool
	}{
		{"frame-roundtrip", frameRoundTrip},
		{"paging-translate", pagingTranslate},
		{"heap-holes", heapHoles},
		{"clock-monotonic", clockMonotonic},
		{"capability-soundness", capabilitySoundness},
		{"random-mix", randomMix},
		{"ipc-fifo", ipcFIFO},
		{"ipc-prefix-match", ipcPrefixMatch},
	}

	for _, sc := range scenarios {
		if !sc.fn() {
			kfmt.Printf("[selftest] FAILED: %s\n", sc.name)
			kfmt.Panic(errSelfTest)
		}
		kfmt.Printf("[selftest] ok: %s\n", sc.name)
	}

	early.Printf("Self-test successful\n")
}

// frameRoundTrip allocates a batch of frames, frees them and checks the
// freed frames are handed out again, with double-frees rejected.
func frameRoundTrip() bool {
	var frames [8]mm.Frame
	for i := range frames {
		f, err := mm.AllocFrame()
		if err != nil {
			return false
		}
		frames[i] = f
	}
	for _, f := range frames {
		if mm.FreeFrame(f) != nil {
			return false
		}
	}
	if mm.FreeFrame(frames[0]) == nil {
		// Double-free must fail loudly.
		return false
	}

	seen := make(map[mm.Frame]bool, len(frames))
	for _, f := range frames {
		seen[f] = true
	}
	reused := false
	var again [8]mm.Frame
	for i := range again {
		f, err := mm.AllocFrame()
		if err != nil {
			return false
		}
		again[i] = f
		if seen[f] {
			reused = true
		}
	}
	for _, f := range again {
		mm.FreeFrame(f)
	}
	return reused
}

// pagingTranslate maps a frame at a fresh kernel virtual address and
// checks translate agrees, then unmaps and checks it stops resolving.
func pagingTranslate() bool {
	frame, err := mm.AllocFrame()
	if err != nil {
		return false
	}
	defer mm.FreeFrame(frame)

	page, err := vmm.MapRegion(frame, mm.PageSize, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return false
	}
	phys, err := vmm.Translate(page.Address() + 0x1234)
	if err != nil || phys != frame.Address()+0x1234 {
		return false
	}
	if vmm.Unmap(page) != nil {
		return false
	}
	if _, err := vmm.Translate(page.Address()); err == nil {
		return false
	}
	return true
}

// heapHoles checks alloc/free/realloc round-trips. The 1536-byte span is
// larger than either freed block, but the heap's tail hole can serve it
// as well, so the check does not show that the two holes merged.
func heapHoles() bool {
	a, err := heap.Alloc(1024)
	if err != nil {
		return false
	}
	b, err := heap.Alloc(1024)
	if err != nil {
		return false
	}
	kernel.Memset(a, 0xa5, 1024)

	if heap.Free(a) != nil || heap.Free(b) != nil {
		return false
	}
	big, err := heap.Alloc(1536)
	if err != nil {
		return false
	}
	moved, err := heap.Realloc(big, 4096)
	if err != nil {
		return false
	}
	return heap.Free(moved) == nil
}

func clockMonotonic() bool {
	a := time.Now()
	b := time.Now()
	c := time.Now()
	return a > 0 && b >= a && c >= b
}

// capabilitySoundness checks tokens verify iff kernel-signed.
func capabilitySoundness() bool {
	token := cap.Sign(1, 42)
	_, capID, err := cap.Verify(token)
	if err != nil || capID != 42 {
		return false
	}

	forged := append([]byte(nil), token...)
	forged[20] ^= 0x80
	if _, _, err := cap.Verify(forged); err == nil {
		return false
	}
	if _, _, err := cap.Verify(token[:16]); err == nil {
		return false
	}
	return true
}

func randomMix() bool {
	a := rand.Uint64()
	rand.MixBytes([]byte("selftest seed"))
	b := rand.Uint64()
	return a != b
}

// ipcFIFO publishes a sequence to a subscription and checks it drains in
// publish order with intact payloads.
func ipcFIFO() bool {
	sub, errno := ipc.Subscribe(0, "selftest/fifo", 0)
	if errno != kernel.ErrNone {
		return false
	}
	defer ipc.Unsubscribe(0, sub)

	for i := byte(0); i < 16; i++ {
		if ipc.Publish(0, "selftest/fifo", []byte{0xde, 0xad, i}) != kernel.ErrNone {
			return false
		}
	}
	for i := byte(0); i < 16; i++ {
		payload, ack, errno := ipc.Receive(0, sub)
		if errno != kernel.ErrNone || ack != 0 {
			return false
		}
		if len(payload) != 3 || payload[0] != 0xde || payload[1] != 0xad || payload[2] != i {
			return false
		}
	}
	// Mailbox drained.
	if _, _, errno := ipc.Receive(0, sub); errno == kernel.ErrNone {
		return false
	}
	return true
}

// ipcPrefixMatch checks wildcard filters catch extensions of their
// prefix and nothing else.
func ipcPrefixMatch() bool {
	sub, errno := ipc.Subscribe(0, "selftest/chan/*", 0)
	if errno != kernel.ErrNone {
		return false
	}
	defer ipc.Unsubscribe(0, sub)

	ipc.Publish(0, "selftest/chan/x", []byte{1})
	ipc.Publish(0, "selftest/other", []byte{2})
	ipc.Publish(0, "selftest/chan/deep/er", []byte{3})

	payload, _, errno := ipc.Receive(0, sub)
	if errno != kernel.ErrNone || len(payload) != 1 || payload[0] != 1 {
		return false
	}
	payload, _, errno = ipc.Receive(0, sub)
	if errno != kernel.ErrNone || len(payload) != 1 || payload[0] != 3 {
		return false
	}
	_, _, errno = ipc.Receive(0, sub)
	return errno != kernel.ErrNone
}
