package nfs

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeMounts(t *testing.T, proc string) {
	t.Helper()
	writeFile(t, filepath.Join(proc, "mounts"),
		"/dev/nvme0n1p2 / ext4 rw 0 0\n"+
			"fileserver:/export/home /home nfs4 rw 0 0\n"+
			"//nas/media /mnt/media cifs rw 0 0\n"+
			"tmpfs /tmp tmpfs rw 0 0\n")
}

func writeMountstats(t *testing.T, proc string, readBytes, writeBytes, readOps, writeOps int) {
	t.Helper()
	writeFile(t, filepath.Join(proc, "self/mountstats"),
		"device /dev/nvme0n1p2 mounted on / with fstype ext4\n"+
			"device fileserver:/export/home mounted on /home with fstype nfs4 statvers=1.1\n"+
			"	bytes: "+itoa(readBytes)+" "+itoa(writeBytes)+" 0 0 0 0 0 0\n"+
			"	per-op statistics\n"+
			"	      READ: "+itoa(readOps)+" 10 0 100 200 5 10 15 0\n"+
			"	     WRITE: "+itoa(writeOps)+" 5 0 50 100 2 5 8 0\n")
}

func itoa(n int) string { return strconv.Itoa(n) }

func TestCollectRates(t *testing.T) {
	proc := filepath.Join(t.TempDir(), "proc")
	writeMounts(t, proc)
	writeMountstats(t, proc, 1000000, 500000, 100, 50)

	c := &Collector{proc: proc, now: time.Now}
	at := time.Unix(100, 0)
	c.now = func() time.Time { return at }

	set, err := c.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if m, ok := set.Get("mounts", ""); !ok || m.Value != 2 {
		t.Fatalf("mounts = %+v, want 2 (ext4 and tmpfs excluded)", m)
	}
	if m, ok := set.Get("type", "/home"); !ok || m.Str != "NFS" {
		t.Errorf("type = %+v", m)
	}
	if m, ok := set.Get("type", "/mnt/media"); !ok || m.Str != "SMB" {
		t.Errorf("cifs type = %+v", m)
	}
	if _, ok := set.Get("read_bytes", "/home"); ok {
		t.Error("first tick must not report rates")
	}

	// 2 MB read, 200 reads over 2 seconds.
	writeMountstats(t, proc, 3000000, 500000, 300, 50)
	at = time.Unix(102, 0)

	set, err = c.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := set.Get("read_bytes", "/home"); !ok || m.Value != 1000000 {
		t.Errorf("read_bytes = %+v, want 1000000", m)
	}
	if m, ok := set.Get("write_bytes", "/home"); !ok || m.Value != 0 {
		t.Errorf("write_bytes = %+v, want 0", m)
	}
	if m, ok := set.Get("read_ops", "/home"); !ok || m.Value != 100 {
		t.Errorf("read_ops = %+v, want 100", m)
	}
	if _, ok := set.Get("read_bytes", "/mnt/media"); ok {
		t.Error("cifs mount has no kernel counters, must report no rates")
	}
}

func TestNewMountMidRun(t *testing.T) {
	proc := filepath.Join(t.TempDir(), "proc")
	writeFile(t, filepath.Join(proc, "mounts"), "a:/x /mnt/a nfs rw 0 0\n")
	writeFile(t, filepath.Join(proc, "self/mountstats"),
		"device a:/x mounted on /mnt/a with fstype nfs\n\tbytes: 100 0 0 0 0 0 0 0\n")

	c := &Collector{proc: proc, now: time.Now}
	at := time.Unix(100, 0)
	c.now = func() time.Time { return at }
	if _, err := c.Collect(); err != nil {
		t.Fatal(err)
	}

	// A second NFS mount appears; it gets one baseline tick without rates
	// while the existing mount keeps reporting.
	writeFile(t, filepath.Join(proc, "mounts"),
		"a:/x /mnt/a nfs rw 0 0\nb:/y /mnt/b nfs rw 0 0\n")
	writeFile(t, filepath.Join(proc, "self/mountstats"),
		"device a:/x mounted on /mnt/a with fstype nfs\n\tbytes: 300 0 0 0 0 0 0 0\n"+
			"device b:/y mounted on /mnt/b with fstype nfs\n\tbytes: 999 0 0 0 0 0 0 0\n")
	at = time.Unix(101, 0)

	set, err := c.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := set.Get("read_bytes", "/mnt/a"); !ok || m.Value != 200 {
		t.Errorf("existing mount rate = %+v, want 200", m)
	}
	if _, ok := set.Get("read_bytes", "/mnt/b"); ok {
		t.Error("new mount must baseline before reporting rates")
	}
}

func TestTypeLabel(t *testing.T) {
	cases := []struct{ fs, want string }{
		{"nfs4", "NFS"},
		{"cifs", "SMB"},
		{"glusterfs", "Gluster"},
		{"ceph", "Ceph"},
		{"lustre", "Lustre"},
		{"9p", "9P"},
		{"fuse.sshfs", "FUSE.S"},
	}
	for _, tc := range cases {
		if got := (Mount{FSType: tc.fs}).TypeLabel(); got != tc.want {
			t.Errorf("TypeLabel(%q) = %q, want %q", tc.fs, got, tc.want)
		}
	}
}
