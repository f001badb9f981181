package proxycycler

import "testing"

func TestCyclerRoundRobin(t *testing.T) {
	c := New("socks5", "proxy.example", "u", "p", []int{1080, 1081, 1082})

	var seen []int
	for i := 0; i < 6; i++ {
		cfg, ok := c.Next()
		if !ok {
			t.Fatalf("Next() ok=false on call %d, want true", i)
		}
		seen = append(seen, cfg.Port)
	}

	want := []int{1080, 1081, 1082, 1080, 1081, 1082}
	for i, p := range want {
		if seen[i] != p {
			t.Fatalf("call %d: port = %d, want %d (sequence %v)", i, seen[i], p, seen)
		}
	}
}

func TestCyclerNoPortsConfigured(t *testing.T) {
	c := New("socks5", "proxy.example", "", "", nil)
	if _, ok := c.Next(); ok {
		t.Fatalf("Next() should report ok=false with no ports configured")
	}
}

func TestCyclerLen(t *testing.T) {
	c := New("socks5", "h", "", "", []int{1, 2, 3})
	if c.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", c.Len())
	}
}
