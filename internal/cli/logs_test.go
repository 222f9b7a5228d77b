package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	urfavecli "github.com/urfave/cli/v3"
	"gotest.tools/assert"

	"github.com/manifoldmcp/manifold/internal/logging"
)

func logsTestCommand() (*urfavecli.Command, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := &urfavecli.Command{
		Writer:    out,
		ErrWriter: errOut,
		Flags: []urfavecli.Flag{
			&urfavecli.IntFlag{
				Name:  "limit",
				Value: defaultLogDisplayLimit,
			},
		},
	}
	return cmd, out, errOut
}

func writeTestEventFile(t *testing.T, path string, events []logging.Event) {
	t.Helper()
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	assert.NilError(t, err)
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, event := range events {
		assert.NilError(t, enc.Encode(event))
	}
}

func TestHandleLogsCommandOutputsEvents(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("MANIFOLD_LOG_DIR", tempDir)

	writeTestEventFile(t, filepath.Join(tempDir, "requests_2026-01-05.jsonl"), []logging.Event{
		{
			Timestamp:   time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
			Direction:   logging.DirectionClientToServer,
			MessageType: logging.MessageTypeRequest,
			Method:      "tools/call",
			Endpoint:    "team",
			SessionID:   "sess-123",
			Detail:      "search",
			Success:     true,
		},
	})

	cmd, out, errOut := logsTestCommand()
	assert.NilError(t, handleLogsCommand(context.Background(), cmd))

	assert.Assert(t, strings.Contains(out.String(), "Log directory"))
	assert.Assert(t, strings.Contains(out.String(), "sess-123"))
	assert.Assert(t, strings.Contains(out.String(), "tools/call"))
	assert.Equal(t, 0, errOut.Len())
}

func TestHandleLogsCommandMissingDirectory(t *testing.T) {
	t.Setenv("MANIFOLD_LOG_DIR", filepath.Join(t.TempDir(), "missing"))

	cmd, _, errOut := logsTestCommand()
	assert.NilError(t, handleLogsCommand(context.Background(), cmd))
	assert.Assert(t, strings.Contains(errOut.String(), "No logs found"))
}
