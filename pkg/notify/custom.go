package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// scriptWaitDelay bounds how long a canceled script may take to exit and release its output.
const scriptWaitDelay = time.Second

// customChannel runs a user script with the deployment result.
type customChannel struct {
	scriptPath string
}

func newCustomChannel(scriptPath string) *customChannel {
	return &customChannel{scriptPath: scriptPath}
}

// send pipes the result as JSON to the script's stdin. status, run id and run url
// are also exported as INFRADEPLOY_* environment variables for simple shell scripts.
func (c *customChannel) send(ctx context.Context, r Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.scriptPath) //nolint:gosec // path comes from user config
	cmd.Stdin = bytes.NewReader(data)
	setupProcessGroup(cmd)
	cmd.Env = append(os.Environ(),
		"INFRADEPLOY_STATUS="+r.Status,
		"INFRADEPLOY_RUN_ID="+r.RunID,
		"INFRADEPLOY_RUN_URL="+r.RunURL,
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err = cmd.Run(); err != nil {
		if out := strings.TrimSpace(output.String()); out != "" {
			return fmt.Errorf("script %s: %w, output: %s", c.scriptPath, err, out)
		}
		return fmt.Errorf("script %s: %w", c.scriptPath, err)
	}
	return nil
}
