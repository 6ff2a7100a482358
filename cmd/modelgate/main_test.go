package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunVersionText(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out.String(), "modelgate") {
		t.Errorf("version output missing program name:\n%s", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out.String(), `"version"`) {
		t.Errorf("json output missing version field:\n%s", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"bogus"}); err == nil {
		t.Error("unknown command accepted")
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-frobnicate"}); err == nil {
		t.Error("unknown flag accepted")
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil); err != nil {
		t.Fatalf("run with no args: %v", err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("usage output missing:\n%s", out.String())
	}
}

func TestRunUnknownOutputFormat(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "yaml", "version"}); err == nil {
		t.Error("unknown output format accepted")
	}
}

func TestRunInitCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	if err := run(context.Background(), &out, &out, []string{"init", dir}); err != nil {
		t.Fatalf("run init: %v", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("config not created: %v", err)
	}
	if !strings.Contains(string(data), "TELEGRAM_BOT_TOKEN") {
		t.Error("default config missing the token placeholder")
	}

	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("data directory not created: %v", err)
	}
}

func TestRunInitNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("my: customizations\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"init", dir}); err != nil {
		t.Fatalf("run init: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "my: customizations\n" {
		t.Error("init overwrote an existing config file")
	}
}

func TestRunServeMissingConfig(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", filepath.Join(t.TempDir(), "none.yaml"), "serve"})
	if err == nil {
		t.Error("serve with a missing config file did not fail")
	}
}
