package cap

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	token := Sign(3, 99)
	if len(token) != TokenLen {
		t.Fatalf("expected %d-byte token; got %d", TokenLen, len(token))
	}

	issuer, capID, err := Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if issuer != 3 || capID != 99 {
		t.Fatalf("expected (3, 99); got (%d, %d)", issuer, capID)
	}
}

func TestVerifyRejectsForgeries(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatal(err)
	}

	token := Sign(KernelIssuer, 7)

	specs := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flipped signature bit", func(tk []byte) []byte {
			out := append([]byte(nil), tk...)
			out[16] ^= 1
			return out
		}},
		{"altered cap id", func(tk []byte) []byte {
			out := append([]byte(nil), tk...)
			out[8]++
			return out
		}},
		{"altered issuer", func(tk []byte) []byte {
			out := append([]byte(nil), tk...)
			out[0]++
			return out
		}},
		{"truncated", func(tk []byte) []byte { return tk[:TokenLen-1] }},
		{"empty", func(_ []byte) []byte { return nil }},
	}

	for _, spec := range specs {
		if _, _, err := Verify(spec.mutate(token)); err == nil {
			t.Errorf("%s: expected verification failure", spec.name)
		}
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatal(err)
	}
	token := Sign(1, 5)

	// A reboot regenerates the key; old tokens must die with it.
	if err := Init(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Verify(token); err == nil {
		t.Fatal("expected stale token to fail after key rotation")
	}
}

func TestSetOperations(t *testing.T) {
	var live, exec Set

	if live.Has(1) {
		t.Fatal("zero-value set should be empty")
	}

	live.Add(1)
	live.Add(2)
	if !live.Has(1) || !live.Has(2) || live.Len() != 2 {
		t.Fatal("expected both capabilities present")
	}

	exec.CopyFrom(&live)
	live.Drop(1)
	if live.Has(1) {
		t.Fatal("expected capability 1 dropped")
	}
	if !exec.Has(1) {
		t.Fatal("expected copy to be independent of the source")
	}
}
