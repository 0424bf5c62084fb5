package main

import (
	"context"
	"os"

	"github.com/ykvlv/symptom-reminder/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		// We intentionally ignore write errors to avoid shadowing the real cause.
		_, _ = os.Stderr.WriteString("reminder: " + err.Error() + "\n")
		os.Exit(cli.GetExitCode(err))
	}
}
