package schemacache_test

import (
	"path/filepath"
	"testing"

	"github.com/onmcp/onmcp/internal/schemacache"
)

func TestCache_LoadMissingFileIsNotError(t *testing.T) {
	t.Parallel()
	c := schemacache.New(filepath.Join(t.TempDir(), "schema-cache.json"))
	if err := c.Load(); err != nil {
		t.Fatalf("unexpected error loading missing cache: %v", err)
	}
	if !c.Empty() {
		t.Fatal("expected empty cache")
	}
}

func TestCache_UpdateAndResolve(t *testing.T) {
	t.Parallel()
	c := schemacache.New(filepath.Join(t.TempDir(), "schema-cache.json"))
	c.Update("Math-Srv", []schemacache.ToolSchema{
		{Name: "Add", Description: "adds two numbers"},
		{Name: "mul", Description: "multiplies two numbers"},
	})

	server, tool, ok := c.Resolve("math-srv", "add")
	if !ok {
		t.Fatal("expected resolve to find tool")
	}
	if server != "Math-Srv" {
		t.Errorf("server: got %q, want original-case Math-Srv", server)
	}
	if tool.Description != "adds two numbers" {
		t.Errorf("description mismatch: %q", tool.Description)
	}

	if _, _, ok := c.Resolve("math-srv", "missing"); ok {
		t.Fatal("expected resolve miss for unknown tool")
	}
	if _, _, ok := c.Resolve("unknown-srv", "add"); ok {
		t.Fatal("expected resolve miss for unknown server")
	}
}

func TestCache_FlushLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schema-cache.json")
	c := schemacache.New(path)
	c.Update("echo-srv", []schemacache.ToolSchema{{Name: "say", Description: "echoes text"}})
	c.Update("math-srv", []schemacache.ToolSchema{
		{Name: "add", Description: "adds two numbers"},
		{Name: "mul", Description: "multiplies two numbers"},
	})

	if err := c.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if c.Dirty() {
		t.Error("expected cache to be clean after flush")
	}

	reloaded := schemacache.New(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	all := reloaded.All()
	if len(all) != 2 {
		t.Fatalf("got %d servers after reload, want 2", len(all))
	}
	tools := reloaded.Tools("math-srv")
	if len(tools) != 2 {
		t.Fatalf("got %d tools for math-srv, want 2", len(tools))
	}
}

func TestCache_RemoveMarksDirty(t *testing.T) {
	t.Parallel()
	c := schemacache.New(filepath.Join(t.TempDir(), "schema-cache.json"))
	c.Update("echo-srv", []schemacache.ToolSchema{{Name: "say"}})
	if err := c.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	c.Remove("echo-srv")
	if !c.Dirty() {
		t.Fatal("expected cache to be dirty after remove")
	}
	if _, _, ok := c.Resolve("echo-srv", "say"); ok {
		t.Fatal("expected removed server to be gone")
	}
}

func TestCache_Empty(t *testing.T) {
	t.Parallel()
	c := schemacache.New(filepath.Join(t.TempDir(), "schema-cache.json"))
	if !c.Empty() {
		t.Fatal("new cache should be empty")
	}
	c.Update("a", []schemacache.ToolSchema{{Name: "x"}})
	if c.Empty() {
		t.Fatal("cache with a server should not be empty")
	}
}
