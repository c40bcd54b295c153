package ssh

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapConnectError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantHint string
	}{
		{
			name:     "auth failure",
			err:      errors.New("ssh: handshake failed: ssh: unable to authenticate"),
			wantHint: "verify your SSH key or agent",
		},
		{
			name:     "connection refused",
			err:      errors.New("dial tcp 1.2.3.4:22: connect: connection refused"),
			wantHint: "verify sshd is running",
		},
		{
			name:     "dns failure",
			err:      errors.New("dial tcp: lookup nope.example: no such host"),
			wantHint: "verify the host address",
		},
		{
			name:     "missing known_hosts",
			err:      errors.New("no known_hosts file found at /home/x/.ssh/known_hosts"),
			wantHint: "use --insecure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := WrapConnectError("ryan.dse.in.tum.de", tt.err)
			var connErr *ConnectError
			if !errors.As(wrapped, &connErr) {
				t.Fatalf("expected ConnectError, got %T", wrapped)
			}
			if connErr.Host != "ryan.dse.in.tum.de" {
				t.Errorf("Host = %q", connErr.Host)
			}
			if !strings.Contains(connErr.Hint, tt.wantHint) {
				t.Errorf("hint %q does not contain %q", connErr.Hint, tt.wantHint)
			}
			if !errors.Is(wrapped, tt.err) {
				t.Error("wrapped error should unwrap to the original")
			}
		})
	}
}

func TestWrapConnectError_PassThrough(t *testing.T) {
	if got := WrapConnectError("h", nil); got != nil {
		t.Errorf("nil error should stay nil, got %v", got)
	}

	unknown := fmt.Errorf("something else entirely")
	if got := WrapConnectError("h", unknown); got != unknown {
		t.Errorf("unrecognized errors should pass through unchanged, got %v", got)
	}
}
