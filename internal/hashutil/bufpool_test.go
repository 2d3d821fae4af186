package hashutil

import "testing"

func TestBufferPoolReturnsConfiguredSize(t *testing.T) {
	p := NewBufferPool(4096)

	buf := p.Get()
	if len(buf) != 4096 {
		t.Fatalf("got buffer of size %d, want 4096", len(buf))
	}
	buf[0] = 0xAB
	p.Put(buf)

	reused := p.Get()
	if len(reused) != 4096 {
		t.Fatalf("got reused buffer of size %d, want 4096", len(reused))
	}
}

func TestSumAndFromBytesRoundTrip(t *testing.T) {
	h := NewHasher()
	_, _ = h.Write([]byte("hello world"))
	sum := Sum(h)

	roundTripped, ok := FromBytes(sum[:])
	if !ok {
		t.Fatal("FromBytes rejected a valid 32-byte hash")
	}
	if roundTripped != sum {
		t.Fatalf("round-tripped hash %v != original %v", roundTripped, sum)
	}

	if _, ok := FromBytes(make([]byte, 64)); ok {
		t.Fatal("FromBytes accepted a 64-byte (legacy sha512-length) hash")
	}
}
