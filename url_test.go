package meshrpc

import "testing"

func TestParseURL(t *testing.T) {
	u, err := ParseURL("tcp://10.0.0.5:9559")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Url{Protocol: "tcp", Host: "10.0.0.5", Port: "9559"}
	if u != want {
		t.Fatalf("got %+v, want %+v", u, want)
	}
}

func TestParseURL_Malformed(t *testing.T) {
	cases := []string{
		"10.0.0.5:9559",
		"tcp://10.0.0.5",
		"tcp://:9559",
		"tcp://10.0.0.5:abc",
	}
	for _, s := range cases {
		if _, err := ParseURL(s); err == nil {
			t.Errorf("ParseURL(%q): expected error, got none", s)
		}
	}
}

func TestURL_Equal(t *testing.T) {
	a := MustParseURL("tcp://127.0.0.1:9559")
	b := MustParseURL("tcp://127.0.0.1:9559")
	c := MustParseURL("tcp://127.0.0.1:9560")
	if !a.Equal(b) {
		t.Fatal("expected equal urls to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected different ports to compare unequal")
	}
}

func TestURL_IsLoopback(t *testing.T) {
	cases := map[string]bool{
		"tcp://127.0.0.1:1":   true,
		"tcp://127.5.5.5:1":   true,
		"tcp://localhost:1":   true,
		"tcp://10.0.0.1:1":    false,
		"tcp://example.com:1": false,
	}
	for s, want := range cases {
		u := MustParseURL(s)
		if got := u.IsLoopback(); got != want {
			t.Errorf("%s: IsLoopback() = %v, want %v", s, got, want)
		}
	}
}

func TestIsLoopbackHost_Literal(t *testing.T) {
	if !IsLoopbackHost("::1") {
		t.Fatal("expected ::1 to be recognized as loopback")
	}
}
