package rand

import (
	"reflect"
	"testing"
)

func TestUint64Advances(t *testing.T) {
	defer func(orig uint64) { state = orig }(state)

	state = 12345
	a := Uint64()
	b := Uint64()
	if a == b {
		t.Fatal("expected consecutive outputs to differ")
	}
}

func TestMixBytesPerturbsStream(t *testing.T) {
	defer func(orig uint64) { state = orig }(state)

	state = 1
	unmixed := Uint64()

	state = 1
	MixBytes([]byte("some caller entropy"))
	mixed := Uint64()

	if unmixed == mixed {
		t.Fatal("expected seed bytes to perturb the stream")
	}
}

func TestInitSamplesTSC(t *testing.T) {
	defer func(orig func() uint64, origState uint64) {
		rdtscFn = orig
		state = origState
	}(rdtscFn, state)

	tsc := uint64(0)
	rdtscFn = func() uint64 {
		tsc += 13
		return tsc
	}

	Init()
	if state == 0 {
		t.Fatal("expected Init to leave the pool seeded")
	}
}

func TestReaderFills(t *testing.T) {
	defer func(orig uint64) { state = orig }(state)
	state = 99

	for _, size := range []int{1, 7, 8, 9, 64} {
		buf := make([]byte, size)
		n, err := (Reader{}).Read(buf)
		if err != nil || n != size {
			t.Fatalf("size %d: expected full read; got %d, %v", size, n, err)
		}
	}

	a := make([]byte, 32)
	b := make([]byte, 32)
	(Reader{}).Read(a)
	(Reader{}).Read(b)
	if reflect.DeepEqual(a, b) {
		t.Fatal("expected successive reads to differ")
	}
}
