package dht

import "testing"

func TestPutGetUnionsProviders(t *testing.T) {
	d := New()
	d.Put("k1", []string{"n1", "n2"})
	d.Put("k1", []string{"n2", "n3"})

	got := map[string]bool{}
	for _, p := range d.Get("k1") {
		got[p] = true
	}
	for _, want := range []string{"n1", "n2", "n3"} {
		if !got[want] {
			t.Fatalf("expected provider %s in %v", want, got)
		}
	}
}

func TestGetUnknownKeyEmpty(t *testing.T) {
	d := New()
	if got := d.Get("ghost"); len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}
}
