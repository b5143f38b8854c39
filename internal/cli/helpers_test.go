package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/northstaraokeystone/gov-os/internal/app"
	"github.com/northstaraokeystone/gov-os/internal/config"
	"github.com/northstaraokeystone/gov-os/internal/lifecycle"
	"github.com/northstaraokeystone/gov-os/internal/testutil"
)

// seedDB creates a database holding contract C-1 with milestones M1 and M2,
// M1 delivered, verified and paid: receipts 1 through 4.
func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "govos.db")
	ctx := context.Background()

	sys, err := app.Open(ctx, config.Default(), app.Options{
		DBPath: path,
		Clock:  testutil.NewStepClock(testutil.Epoch, time.Minute),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer sys.Close()

	svc := sys.Service
	_, err = svc.RegisterContract(ctx, lifecycle.ContractSpec{
		ID:         "C-1",
		Amount:     1000000,
		Milestones: lifecycle.EvenSplit(1000000, 2),
		Citations:  []string{"doc:award"},
	})
	require.NoError(t, err)
	_, err = svc.SubmitDeliverable(ctx, "C-1", "M1", []string{"doc:report"}, nil)
	require.NoError(t, err)
	_, err = svc.VerifyMilestone(ctx, "C-1", "M1", []string{"doc:inspection"}, nil)
	require.NoError(t, err)
	_, err = svc.ReleasePayment(ctx, "C-1", "M1", []string{"doc:invoice"})
	require.NoError(t, err)
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(diag)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// decodeData unmarshals the data of a JSON CLIResponse into T.
func decodeData[T any](t *testing.T, out string) (T, CLIResponse) {
	t.Helper()
	var raw struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), out)
	var data T
	if len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, &data))
	}
	return data, raw.CLIResponse
}
