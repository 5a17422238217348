package store

import "testing"

func TestMarkExpired(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "[expired]"},
		{"paid 0x01", "paid 0x01 [expired]"},
		{"paid 0x01 [expired]", "paid 0x01 [expired]"},
	}
	for _, c := range cases {
		if got := MarkExpired(c.in); got != c.want {
			t.Errorf("MarkExpired(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
