package keyderiv

import "testing"

func TestDeriveIsDeterministic(t *testing.T) {
	k1 := Derive("MACHINE_abc")
	defer k1.Destroy()
	k2 := Derive("MACHINE_abc")
	defer k2.Destroy()

	if string(k1.Bytes()) != string(k2.Bytes()) {
		t.Fatalf("derivation is not deterministic for the same device id")
	}
	if len(k1.Bytes()) != KeySize {
		t.Fatalf("expected key of length %d, got %d", KeySize, len(k1.Bytes()))
	}
}

func TestDeriveDiffersAcrossDevices(t *testing.T) {
	k1 := Derive("MACHINE_a")
	defer k1.Destroy()
	k2 := Derive("MACHINE_b")
	defer k2.Destroy()

	if string(k1.Bytes()) == string(k2.Bytes()) {
		t.Fatalf("expected different devices to derive different keys")
	}
}

func TestDestroyZeroizes(t *testing.T) {
	k := Derive("MACHINE_zero")
	k.Destroy()
	for i, b := range k.Bytes() {
		if b != 0 {
			t.Fatalf("expected byte %d to be zeroized, got %x", i, b)
		}
	}
}
