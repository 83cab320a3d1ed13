package filters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

func init() {
	mustRegister(&Definition{
		Name:                "execute",
		Description:         "Pipe the artifact through an external command",
		SubDirectives:       []string{"command"},
		DefaultSubDirective: "command",
		Apply:               executeApply(false),
	})
	mustRegister(&Definition{
		Name:                "shellpipe",
		Description:         "Pipe the artifact through a shell command line",
		SubDirectives:       []string{"command"},
		DefaultSubDirective: "command",
		Apply:               executeApply(true),
	})
}

func executeApply(viaShell bool) ApplyFunc {
	return func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
		command := stringArg(args, "command", "")
		if command == "" {
			return "", "", fmt.Errorf("requires a command")
		}

		var cmd *exec.Cmd
		if viaShell {
			cmd = exec.CommandContext(ctx, "sh", "-c", command)
		} else {
			parts := strings.Fields(command)
			cmd = exec.CommandContext(ctx, parts[0], parts[1:]...)
		}

		// Child environment is a copy; the parent environment is never
		// mutated.
		env := os.Environ()
		if fc.Job != nil {
			env = append(env,
				"URLWATCH_JOB_NAME="+fc.Job.PrettyName(),
				"URLWATCH_JOB_LOCATION="+fc.Job.Location(),
			)
		}
		cmd.Env = env

		cmd.Stdin = strings.NewReader(data)
		var stdout, stderr strings.Builder
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			detail := strings.TrimSpace(stderr.String())
			if detail != "" {
				return "", "", fmt.Errorf("command %q failed: %w: %s", command, err, detail)
			}
			return "", "", fmt.Errorf("command %q failed: %w", command, err)
		}
		return stdout.String(), "", nil
	}
}
