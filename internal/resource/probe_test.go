package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestProbe_CgroupV2(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "sys/fs/cgroup/memory.max", "1000\n")
	writeFile(t, root, "sys/fs/cgroup/memory.current", "960\n")
	writeFile(t, root, "proc/loadavg", "0.52 0.40 0.33 1/200 1234\n")

	s, err := NewProbe(root).Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.Source != "cgroup2" || s.MemoryRatio() != 0.96 {
		t.Errorf("sample = %+v ratio %v", s, s.MemoryRatio())
	}
	if s.Load1 != 0.52 {
		t.Errorf("Load1 = %v, want 0.52", s.Load1)
	}
}

func TestProbe_UnlimitedCgroupFallsBackToV1(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "sys/fs/cgroup/memory.max", "max\n")
	writeFile(t, root, "sys/fs/cgroup/memory/memory.limit_in_bytes", "2048\n")
	writeFile(t, root, "sys/fs/cgroup/memory/memory.usage_in_bytes", "1024\n")

	s, err := NewProbe(root).Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.Source != "cgroup1" || s.MemoryRatio() != 0.5 {
		t.Errorf("sample = %+v", s)
	}
}

func TestProbe_Meminfo(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "sys/fs/cgroup/memory/memory.limit_in_bytes", "9223372036854771712\n")
	writeFile(t, root, "sys/fs/cgroup/memory/memory.usage_in_bytes", "1\n")
	writeFile(t, root, "proc/meminfo", "MemTotal:       1000 kB\nMemFree:         100 kB\nMemAvailable:    250 kB\n")

	s, err := NewProbe(root).Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.Source != "meminfo" || s.MemoryTotal != 1000*1024 || s.MemoryUsed != 750*1024 {
		t.Errorf("sample = %+v", s)
	}
}

func TestProbe_NothingReadable(t *testing.T) {
	if _, err := NewProbe(t.TempDir()).Sample(context.Background()); err == nil {
		t.Fatal("expected error with no sources")
	}
}
