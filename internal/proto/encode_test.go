package proto

import (
	"testing"
	"testing/quick"
)

func TestEncodeFds(t *testing.T) {
	cases := []struct {
		fds  []int
		want string
	}{
		{nil, ""},
		{[]int{3}, "3;"},
		{[]int{3, 4, 10}, "3;4;10;"},
	}
	for _, c := range cases {
		if got := EncodeFds(c.fds); got != c.want {
			t.Errorf("EncodeFds(%v) = %q, want %q", c.fds, got, c.want)
		}
	}
}

func TestDecodeFds(t *testing.T) {
	cases := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"", nil, false},
		{"  ", nil, false},
		{"3;", []int{3}, false},
		{"3;4;5;", []int{3, 4, 5}, false},
		{"3;4", []int{3, 4}, false},
		{"3;x;", nil, true},
		{"3;;4;", nil, true},
		{"-1;", nil, true},
	}
	for _, c := range cases {
		got, err := DecodeFds(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("DecodeFds(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if len(got) != len(c.want) {
			t.Errorf("DecodeFds(%q) = %v, want %v", c.in, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("DecodeFds(%q) = %v, want %v", c.in, got, c.want)
				break
			}
		}
	}
}

func TestQuickcheckFdsRoundtrip(t *testing.T) {
	if err := quick.Check(func(raw []uint16) bool {
		fds := make([]int, len(raw))
		for i, v := range raw {
			fds[i] = int(v)
		}
		decoded, err := DecodeFds(EncodeFds(fds))
		if err != nil {
			t.Errorf("decode error: %v", err)
			return false
		}
		if len(decoded) != len(fds) {
			return false
		}
		for i := range fds {
			if decoded[i] != fds[i] {
				return false
			}
		}
		return true
	}, &quick.Config{}); err != nil {
		t.Error(err)
	}
}

func TestPositionalFds(t *testing.T) {
	if got := EncodeFds(PositionalFds(3)); got != "3;4;5;" {
		t.Errorf("unexpected positional list %q", got)
	}
	if got := PositionalFds(0); len(got) != 0 {
		t.Errorf("expected empty list, got %v", got)
	}
}
