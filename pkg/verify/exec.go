package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ExecVerifier shells out to an external settld-verify binary. The bundle is
// written to a temp file; the binary prints a VerifyCliOutput.v1 document on
// stdout. A non-zero exit with parseable output is a verification failure,
// not a transport error.
type ExecVerifier struct {
	Binary string
}

// NewExecVerifier wraps the binary at path.
func NewExecVerifier(path string) *ExecVerifier {
	return &ExecVerifier{Binary: path}
}

// Verify implements Verifier.
func (e *ExecVerifier) Verify(ctx context.Context, bundle []byte, in Input) (*CliOutput, error) {
	dir, err := os.MkdirTemp("", "settld-verify-")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	bundlePath := filepath.Join(dir, "bundle.zip")
	if err := os.WriteFile(bundlePath, bundle, 0o600); err != nil {
		return nil, err
	}

	args := []string{"--mode", in.Mode, "--json", bundlePath}
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var out CliOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("verify: %s failed: %w: %s", e.Binary, runErr, stderr.String())
		}
		return nil, fmt.Errorf("verify: %s produced unparseable output: %w", e.Binary, err)
	}
	if out.SchemaVersion != "VerifyCliOutput.v1" {
		return nil, fmt.Errorf("verify: %s produced schema %q", e.Binary, out.SchemaVersion)
	}
	return &out, nil
}
