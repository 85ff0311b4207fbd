package main

import (
	"context"
	"testing"

	"github.com/opsgate/ssmctl/internal/testutil/testlog"
)

func TestTagFlagsParse(t *testing.T) {
	testlog.Start(t)

	tags := tagFlags{}
	if err := tags.Set("env=prod"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tags.Set("role = web "); err != nil {
		t.Fatalf("set with spaces: %v", err)
	}
	if tags["env"] != "prod" || tags["role"] != "web" {
		t.Fatalf("unexpected tags: %v", tags)
	}

	for _, bad := range []string{"novalue", "=v", "k=", ""} {
		if err := tags.Set(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSplitIDs(t *testing.T) {
	testlog.Start(t)

	got := splitIDs(" i-1, i-2 ,,i-3 ")
	if len(got) != 3 || got[0] != "i-1" || got[1] != "i-2" || got[2] != "i-3" {
		t.Fatalf("unexpected ids: %v", got)
	}
	if got := splitIDs(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func TestResolveRegionPrecedence(t *testing.T) {
	testlog.Start(t)

	t.Setenv("AWS_REGION", "eu-central-1")
	if got := resolveRegion("us-west-2", "us-east-1"); got != "us-west-2" {
		t.Fatalf("flag must win: %q", got)
	}
	if got := resolveRegion("", "us-east-1"); got != "us-east-1" {
		t.Fatalf("file must beat env: %q", got)
	}
	if got := resolveRegion("", ""); got != "eu-central-1" {
		t.Fatalf("env fallback: %q", got)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	testlog.Start(t)

	if err := run(context.Background(), []string{"explode"}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
	if err := run(context.Background(), nil); err == nil {
		t.Fatalf("expected error for missing command")
	}
}

func TestFirstLine(t *testing.T) {
	testlog.Start(t)

	if got := firstLine("  alpha\nbeta\n"); got != "alpha" {
		t.Fatalf("unexpected first line: %q", got)
	}
	if got := firstLine(""); got != "" {
		t.Fatalf("expected empty: %q", got)
	}
}
