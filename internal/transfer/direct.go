package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opsgate/ssmctl/internal/invoke"
)

// uploadDirect embeds the payload in the command text itself: base64 output
// stays inside the shell-safe alphabet, so the blob needs no escaping beyond
// the surrounding quotes. Bounded by the channel's command-text limit, which
// the size threshold keeps us under.
func (e *Engine) uploadDirect(ctx context.Context, instanceID, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLocalFile, localPath, err)
	}
	blob := base64.StdEncoding.EncodeToString(data)

	script := invoke.Script(
		invoke.Line("mkdir -p", remoteParent(remotePath)),
		fmt.Sprintf("printf %%s '%s' | base64 -d > %s", blob, invoke.Quote(remotePath)),
	)
	_, err = e.runner.RunStrict(ctx, instanceID, script, "ssmctl direct upload")
	return err
}

// downloadDirect reads the payload back as a base64 blob on stdout.
func (e *Engine) downloadDirect(ctx context.Context, instanceID, remotePath, localPath string) error {
	res, err := e.runner.RunStrict(ctx, instanceID, invoke.Line("base64", remotePath), "ssmctl direct download")
	if err != nil {
		return err
	}
	// base64 wraps its output; strip all whitespace before decoding.
	blob := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, res.Stdout)
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("transfer: decode payload from instance %s: %w", instanceID, err)
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrLocalFile, localPath, err)
	}
	return nil
}

func remoteParent(remotePath string) string {
	dir := filepath.ToSlash(filepath.Dir(remotePath))
	if dir == "" || dir == "." {
		return "."
	}
	return dir
}
