package crypto

import "testing"

func TestHardwareAccelEnabledRespectsToggle(t *testing.T) {
	off := HardwareAccel{EnableAESNI: false, EnableARMv8AES: false}
	if off.Enabled() && HasAESHardwareSupport() {
		t.Fatal("acceleration must stay off when the architecture toggle is off")
	}
	info := off.Info()
	if info["architecture"] == "" {
		t.Fatal("expected architecture to be reported")
	}
}
