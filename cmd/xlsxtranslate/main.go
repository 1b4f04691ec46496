// Command xlsxtranslate translates the text of an Excel workbook.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"exceltranslator/pkg/runner"

	"github.com/joho/godotenv"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdout: os.Stdout, stderr: os.Stderr, run: runner.RunTranslation}
	cmd := newRootCommand(a)
	err := cmd.ExecuteContext(ctx)
	if err != nil && a.code == 0 {
		// flag parsing and argument errors never reach execute
		a.code = exitFailure
	}
	exitMessage(os.Stderr, err)
	stop()
	os.Exit(a.code)
}
