package systemd

import (
	"net"
	"testing"
)

func TestGetListeners_NotActivated(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := GetListeners()
	if err != nil {
		t.Fatalf("GetListeners failed: %v", err)
	}
	if listeners.Activated {
		t.Error("Expected no socket activation")
	}
	if listeners.API != nil || listeners.Metrics != nil {
		t.Error("Expected nil listeners")
	}
}

func TestPick(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	named := map[string][]net.Listener{"api": {ln}, "metrics": {}}

	if got := pick(named, "api"); got != ln {
		t.Error("Expected api listener")
	}
	if got := pick(named, "metrics"); got != nil {
		t.Error("Expected nil for empty metrics entry")
	}
	if got := pick(named, "missing"); got != nil {
		t.Error("Expected nil for missing name")
	}
}

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	if err := NotifyReady(); err != nil {
		t.Errorf("NotifyReady failed: %v", err)
	}
	if err := NotifyStopping(); err != nil {
		t.Errorf("NotifyStopping failed: %v", err)
	}
}
