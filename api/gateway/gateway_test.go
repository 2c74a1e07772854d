package gateway

import (
	"strings"
	"sync"
	"testing"
)

func TestSudoPolicyWrap(t *testing.T) {
	tests := []struct {
		name   string
		policy SudoPolicy
		cmd    string
		want   string
	}{
		{"nopasswd", SudoPolicy{Nopasswd: true}, "mkdir -p /etc/ansible", "sudo mkdir -p /etc/ansible"},
		{"password", SudoPolicy{Password: "s3cret"}, "apt-get install -y ansible", "echo 's3cret' | sudo -S apt-get install -y ansible"},
		{"password with single quote", SudoPolicy{Password: "it's"}, "ls", `echo 'it'\''s' | sudo -S ls`},
		{"unprivileged fallback", SudoPolicy{}, "mkdir -p /etc/ansible", "mkdir -p /etc/ansible"},
		{"nopasswd wins over password", SudoPolicy{Nopasswd: true, Password: "x"}, "ls", "sudo ls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Wrap(tt.cmd); got != tt.want {
				t.Errorf("Wrap(%q) = %q, want %q", tt.cmd, got, tt.want)
			}
		})
	}
}

// Chunks forwarded to the callback must concatenate to exactly the
// accumulated output, regardless of write sizes.
func TestChunkWriterStreamMatchesAccumulated(t *testing.T) {
	var mu sync.Mutex
	var streamed strings.Builder
	w := &chunkWriter{onChunk: func(b []byte) {
		mu.Lock()
		streamed.Write(b)
		mu.Unlock()
	}}

	writes := []string{"a", "", "bc", "def\n", "tail without newline", "\x1b[0m"}
	for _, s := range writes {
		n, err := w.Write([]byte(s))
		if err != nil || n != len(s) {
			t.Fatalf("Write(%q) = (%d, %v)", s, n, err)
		}
	}

	if streamed.String() != w.String() {
		t.Errorf("streamed %q != accumulated %q", streamed.String(), w.String())
	}
	if want := strings.Join(writes, ""); w.String() != want {
		t.Errorf("accumulated %q, want %q", w.String(), want)
	}
}

// Stdout and stderr of a remote process share one writer and drive it
// from separate goroutines. The streamed order must match the
// accumulated order even under interleaving.
func TestChunkWriterConcurrentWritersKeepOrder(t *testing.T) {
	for iter := 0; iter < 500; iter++ {
		var mu sync.Mutex
		var streamed strings.Builder
		w := &chunkWriter{onChunk: func(b []byte) {
			mu.Lock()
			streamed.Write(b)
			mu.Unlock()
		}}

		var wg sync.WaitGroup
		for _, line := range []string{"out\n", "ERR\n"} {
			wg.Add(1)
			go func(line string) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					w.Write([]byte(line))
				}
			}(line)
		}
		wg.Wait()

		if streamed.String() != w.String() {
			t.Fatalf("iter %d: streamed %q != accumulated %q", iter, streamed.String(), w.String())
		}
	}
}

func TestAuthMethodsOrder(t *testing.T) {
	// No credentials at all: nothing to try.
	if got := authMethods(Target{}); len(got) != 0 {
		t.Errorf("got %d methods, want 0", len(got))
	}
	// Password only.
	if got := authMethods(Target{Password: "pw"}); len(got) != 1 {
		t.Errorf("got %d methods, want 1", len(got))
	}
	// A malformed key is skipped, password still usable.
	if got := authMethods(Target{PrivateKey: "not a pem", Password: "pw"}); len(got) != 1 {
		t.Errorf("got %d methods, want 1 (bad key skipped)", len(got))
	}
}

func TestTargetForDefaultsPort(t *testing.T) {
	if port(0) != 22 {
		t.Errorf("port(0) = %d, want 22", port(0))
	}
	if port(2222) != 2222 {
		t.Errorf("port(2222) = %d", port(2222))
	}
}
