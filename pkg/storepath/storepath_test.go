package storepath

import "testing"

func TestParseBuildId(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid lowercase", "d1b25b63b3edc63832fd885e4b997f8a463ea573", false},
		{"valid uppercase normalized", "D1B25B63B3EDC63832FD885E4B997F8A463EA573", false},
		{"empty", "", true},
		{"non-hex", "not-a-build-id", true},
		{"too-short", "a", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBuildId(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBuildId(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestBuildIdSplitForIndex(t *testing.T) {
	b, err := ParseBuildId("d1b25b63b3edc63832fd885e4b997f8a463ea573")
	if err != nil {
		t.Fatal(err)
	}
	prefix, rest, err := b.SplitForIndex()
	if err != nil {
		t.Fatal(err)
	}
	if prefix != "d1" || rest != "b25b63b3edc63832fd885e4b997f8a463ea573" {
		t.Fatalf("got prefix=%q rest=%q", prefix, rest)
	}
}

func TestParseStorePath(t *testing.T) {
	const storeDir = "/nix/store"
	valid := storeDir + "/7h7qgvs4kgzsy91nabyqand58fps1jff-gnumake-4.4.1-debug"
	sp, err := Parse(storeDir, valid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sp.Absolute() != valid {
		t.Fatalf("round trip failed: got %q want %q", sp.Absolute(), valid)
	}
	if !sp.IsDebugOutput() {
		t.Fatalf("expected debug output")
	}

	if _, err := Parse(storeDir, "/nix/store/too-short-hash-foo"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
	if _, err := Parse(storeDir, "/etc/passwd"); err == nil {
		t.Fatal("expected error for path outside store dir")
	}

	drv, err := Parse(storeDir, storeDir+"/7h7qgvs4kgzsy91nabyqand58fps1jff-gnumake-4.4.1.drv")
	if err != nil {
		t.Fatal(err)
	}
	if !drv.IsDerivation() {
		t.Fatalf("expected derivation path")
	}

	// Trailing subpaths are truncated to the top-level store path component.
	nested, err := Parse(storeDir, valid+"/lib/debug/foo")
	if err != nil {
		t.Fatal(err)
	}
	if nested.Absolute() != valid {
		t.Fatalf("got %q want %q", nested.Absolute(), valid)
	}
}
