package browserd

import "testing"

func TestNewSidecar(t *testing.T) {
	s, err := NewSidecar("ghcr.io/basket/drover-driver:latest", "127.0.0.1:9515", "/tmp/profiles", nil)
	if err != nil {
		t.Skip("docker client init failed (expected in CI without docker):", err)
	}
	defer s.Close()

	if s.image != "ghcr.io/basket/drover-driver:latest" {
		t.Errorf("image = %q", s.image)
	}
	if s.addr != "127.0.0.1:9515" {
		t.Errorf("addr = %q", s.addr)
	}
	if s.profilesDir != "/tmp/profiles" {
		t.Errorf("profilesDir = %q", s.profilesDir)
	}
	if s.containerID != "" {
		t.Error("containerID should be empty before Start")
	}
}

func TestSidecarStopWithoutStart(t *testing.T) {
	s, err := NewSidecar("ghcr.io/basket/drover-driver:latest", "127.0.0.1:9515", "/tmp/profiles", nil)
	if err != nil {
		t.Skip("docker client init failed (expected in CI without docker):", err)
	}
	defer s.Close()

	if err := s.Stop(t.Context()); err != nil {
		t.Fatalf("Stop before Start should be a no-op, got %v", err)
	}
}
