package cas_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/buildstream-go/buildstream/internal/castest"
)

func writeTestTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "run"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello.txt", filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestCaptureStageRoundTrip(t *testing.T) {
	_, cc := castest.Start(t)
	ctx := context.Background()

	src := writeTestTree(t)
	root, err := cc.Capture(ctx, src)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	dst := t.TempDir()
	if err := cc.Stage(ctx, root, dst); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "hello.txt"))
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if string(data) != "hello world\n" {
		t.Fatalf("staged file content %q, want %q", data, "hello world\n")
	}

	info, err := os.Stat(filepath.Join(dst, "bin", "run"))
	if err != nil {
		t.Fatalf("stat staged executable: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Fatalf("expected executable bit to survive capture+stage, got mode %v", info.Mode())
	}

	target, err := os.Readlink(filepath.Join(dst, "link"))
	if err != nil {
		t.Fatalf("readlink staged symlink: %v", err)
	}
	if target != "hello.txt" {
		t.Fatalf("staged symlink target %q, want %q", target, "hello.txt")
	}
}

func TestCaptureIsDeterministic(t *testing.T) {
	_, cc := castest.Start(t)
	ctx := context.Background()

	src := writeTestTree(t)
	first, err := cc.Capture(ctx, src)
	if err != nil {
		t.Fatalf("first Capture: %v", err)
	}
	second, err := cc.Capture(ctx, src)
	if err != nil {
		t.Fatalf("second Capture: %v", err)
	}
	if first != second {
		t.Fatalf("capturing an unchanged tree twice produced different digests: %v vs %v", first, second)
	}
}
