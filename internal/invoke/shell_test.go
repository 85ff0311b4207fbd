package invoke

import (
	"testing"

	"github.com/opsgate/ssmctl/internal/testutil/testlog"
)

func TestQuote(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"it's", `'it'"'"'s'`},
		{"a;rm -rf /", "'a;rm -rf /'"},
		{"$HOME", "'$HOME'"},
	}
	for _, tc := range cases {
		if got := Quote(tc.in); got != tc.want {
			t.Fatalf("Quote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestScriptSkipsBlankSteps(t *testing.T) {
	testlog.Start(t)

	got := Script("mkdir -p '/tmp/x'", "", "  ", "wc -c < '/tmp/x/f'")
	want := "mkdir -p '/tmp/x' && wc -c < '/tmp/x/f'"
	if got != want {
		t.Fatalf("Script = %q, want %q", got, want)
	}
}

func TestLineQuotesOperands(t *testing.T) {
	testlog.Start(t)

	got := Line("stat -c %s", "/var/tmp/o'brien.txt")
	want := `stat -c %s '/var/tmp/o'"'"'brien.txt'`
	if got != want {
		t.Fatalf("Line = %q, want %q", got, want)
	}
}
