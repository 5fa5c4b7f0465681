package boot

import (
	"testing"

	"github.com/spf13/afero"
)

const marker = "/var/lib/syncd/boot_id"

func setBootID(t *testing.T, fsys afero.Fs, id string) {
	t.Helper()
	if err := afero.WriteFile(fsys, DefaultBootIDPath, []byte(id+"\n"), 0o444); err != nil {
		t.Fatalf("write boot id: %v", err)
	}
}

func TestDetector_FirstStartIsBoot(t *testing.T) {
	fsys := afero.NewMemMapFs()
	setBootID(t, fsys, "aaaa")

	booted, err := NewDetector(fsys, marker).Booted()
	if err != nil || !booted {
		t.Fatalf("expected boot on first start, got %v %v", booted, err)
	}
	got, err := afero.ReadFile(fsys, marker)
	if err != nil || string(got) != "aaaa\n" {
		t.Fatalf("marker not written: %q %v", got, err)
	}
	if ok, _ := afero.Exists(fsys, marker+".tmp"); ok {
		t.Fatal("temporary marker left behind")
	}
}

func TestDetector_ProcessRestartIsNotBoot(t *testing.T) {
	fsys := afero.NewMemMapFs()
	setBootID(t, fsys, "aaaa")
	d := NewDetector(fsys, marker)

	if booted, _ := d.Booted(); !booted {
		t.Fatal("expected first start to count as boot")
	}
	booted, err := d.Booted()
	if err != nil || booted {
		t.Fatalf("same boot id must not count as boot, got %v %v", booted, err)
	}
}

func TestDetector_NewBootID(t *testing.T) {
	fsys := afero.NewMemMapFs()
	setBootID(t, fsys, "aaaa")
	d := NewDetector(fsys, marker)
	d.Booted()

	setBootID(t, fsys, "bbbb")
	booted, err := d.Booted()
	if err != nil || !booted {
		t.Fatalf("expected boot after boot id change, got %v %v", booted, err)
	}
	if booted, _ := d.Booted(); booted {
		t.Fatal("boot must be reported once")
	}
}

func TestDetector_MissingBootIDFallsBack(t *testing.T) {
	fsys := afero.NewMemMapFs()
	d := NewDetector(fsys, marker, WithBootIDPath("/nonexistent/boot_id"))

	for i := 0; i < 2; i++ {
		booted, err := d.Booted()
		if err != nil || !booted {
			t.Fatalf("start %d: expected fallback boot, got %v %v", i, booted, err)
		}
	}
	if ok, _ := afero.Exists(fsys, marker); ok {
		t.Fatal("fallback must not write a marker")
	}
}

func TestDetector_ReadOnlyMarker(t *testing.T) {
	base := afero.NewMemMapFs()
	setBootID(t, base, "aaaa")
	d := NewDetector(afero.NewReadOnlyFs(base), marker)

	booted, err := d.Booted()
	if !booted || err == nil {
		t.Fatalf("expected boot with a marker write error, got %v %v", booted, err)
	}
}
