package grants

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsgate/ssmctl/internal/testutil/testlog"
)

func entryFor(instanceID, policyARN string) Entry {
	return Entry{
		InstanceID: instanceID,
		Region:     "us-east-1",
		PolicyARN:  policyARN,
		CreatedAt:  time.Now(),
	}
}

func TestAppendAndTakeInstance(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	ctx := context.Background()

	for _, e := range []Entry{
		entryFor("i-a", "arn:aws:iam::123:policy/ssmctl-grant-1"),
		entryFor("i-b", "arn:aws:iam::123:policy/ssmctl-grant-2"),
		entryFor("i-a", "arn:aws:iam::123:policy/ssmctl-grant-3"),
	} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	taken, err := store.TakeInstance(ctx, "i-a")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(taken) != 2 {
		t.Fatalf("expected 2 entries for i-a, got %d", len(taken))
	}

	rest, err := store.TakeAll(ctx)
	if err != nil {
		t.Fatalf("take all: %v", err)
	}
	if len(rest) != 1 || rest[0].InstanceID != "i-b" {
		t.Fatalf("i-b entry lost: %+v", rest)
	}

	again, err := store.TakeInstance(ctx, "i-a")
	if err != nil {
		t.Fatalf("take again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty ledger, got %+v", again)
	}
}

func TestTakeDropsMalformedLines(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	ctx := context.Background()

	good := entryFor("i-a", "arn:aws:iam::123:policy/ssmctl-grant-1")
	if err := store.Append(ctx, good); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := os.OpenFile(store.ledgerPath(), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	fmt.Fprintln(f, "torn|line")
	f.Close()

	taken, err := store.TakeInstance(ctx, "i-a")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(taken) != 1 || taken[0].PolicyARN != good.PolicyARN {
		t.Fatalf("good entry lost next to malformed line: %+v", taken)
	}
}

func TestConcurrentAppendsNeverTear(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e := entryFor(fmt.Sprintf("i-%02d", n), fmt.Sprintf("arn:aws:iam::123:policy/ssmctl-grant-%02d", n))
			if err := store.Append(ctx, e); err != nil {
				t.Errorf("append %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(store.ledgerPath())
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != writers {
		t.Fatalf("expected %d intact lines, got %d", writers, len(lines))
	}
	for _, line := range lines {
		if _, err := parseEntry(line); err != nil {
			t.Fatalf("torn ledger line %q: %v", line, err)
		}
	}
}

func TestEntryRoundTrip(t *testing.T) {
	testlog.Start(t)

	e := Entry{
		InstanceID: "i-0abc",
		Region:     "eu-west-1",
		PolicyARN:  "arn:aws:iam::123:policy/ssmctl-grant-x",
		MetaFile:   "/state/meta/grant-x.meta",
		CreatedAt:  time.Unix(1700000000, 0),
	}
	parsed, err := parseEntry(e.line())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != e {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, e)
	}
}

func TestMetaArtifactCarriesRole(t *testing.T) {
	testlog.Start(t)

	store := newTestStore(t)
	e := entryFor("i-a", "arn:aws:iam::123:policy/ssmctl-grant-1")
	path, err := store.WriteMeta("g1", e, "app-server-role")
	if err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if got := metaRole(path); got != "app-server-role" {
		t.Fatalf("unexpected role from meta: %q", got)
	}

	entries := store.metaEntries()
	if len(entries) != 1 || entries[0].InstanceID != "i-a" {
		t.Fatalf("meta fallback entries wrong: %+v", entries)
	}

	store.RemoveMeta(path)
	if entries := store.metaEntries(); len(entries) != 0 {
		t.Fatalf("meta not removed: %+v", entries)
	}
}
