package origdst

import (
	"errors"
	"net"
	"runtime"
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"redirect", ModeRedirect, false},
		{"TPROXY", ModeTProxy, false},
		{"static", ModeStatic, false},
		{"socks", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewStatic(t *testing.T) {
	s, err := NewStatic("192.0.2.10:8080")
	if err != nil {
		t.Fatalf("NewStatic() error = %v", err)
	}
	d, err := s.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := d.String(); got != "192.0.2.10:8080" {
		t.Errorf("Resolve() = %q, want %q", got, "192.0.2.10:8080")
	}

	for _, bad := range []string{"", "192.0.2.10", "192.0.2.10:0", "not a target"} {
		if _, err := NewStatic(bad); err == nil {
			t.Errorf("NewStatic(%q) expected error, got nil", bad)
		}
	}
}

// loopbackPair returns both ends of an accepted loopback TCP connection.
func loopbackPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	client, err = net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, err = ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func TestLocalAddr_Resolve(t *testing.T) {
	server, _ := loopbackPair(t)

	d, err := LocalAddr{}.Resolve(server)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.String() != server.LocalAddr().String() {
		t.Errorf("Resolve() = %s, want %s", d, server.LocalAddr())
	}
}

func TestRedirect_NotRedirected(t *testing.T) {
	server, _ := loopbackPair(t)

	// A direct connection has no NAT entry; on Linux the kernel either reports
	// ENOENT or hands back the listening address, both of which must fail.
	_, err := Redirect{}.Resolve(server)
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("Resolve() error = %v, want ErrResolution (GOOS=%s)", err, runtime.GOOS)
	}
}

func TestRedirect_NonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if _, err := (Redirect{}).Resolve(a); !errors.Is(err, ErrResolution) {
		t.Errorf("Resolve(pipe) error = %v, want ErrResolution", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(ModeStatic, ""); err == nil {
		t.Error("New(static, \"\") expected error, got nil")
	}
	r, err := New(ModeTProxy, "")
	if err != nil {
		t.Fatalf("New(tproxy) error = %v", err)
	}
	if _, ok := r.(LocalAddr); !ok {
		t.Errorf("New(tproxy) = %T, want LocalAddr", r)
	}
}
