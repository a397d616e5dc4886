package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cli "github.com/urfave/cli/v3"
)

func runValidate(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := &cli.Command{
		Name:     "campaign-service",
		Writer:   &out,
		Commands: []*cli.Command{newValidateCommand()},
	}
	err := root.Run(context.Background(), append([]string{"campaign-service", "validate"}, args...))
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	if err := os.WriteFile(good, []byte(`{
		"nodes":[{"id":"t","type":"trigger","data":{"triggerType":"lead_signup"}},{"id":"n","type":"notify"}],
		"edges":[{"source":"t","target":"n"}]
	}`), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := runValidate(t, good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok (2 nodes") || !strings.Contains(out, `starts at "n"`) {
		t.Fatalf("unexpected output %q", out)
	}

	cyclic := filepath.Join(dir, "cyclic.json")
	if err := os.WriteFile(cyclic, []byte(`{
		"nodes":[{"id":"a","type":"notify"},{"id":"b","type":"notify"}],
		"edges":[{"source":"a","target":"b"},{"source":"b","target":"a"}]
	}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := runValidate(t, cyclic); err == nil {
		t.Fatalf("expected cyclic definition to fail")
	}

	if _, err := runValidate(t); err != errUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
}
