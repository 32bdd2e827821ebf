// Command vaultctl is the operator tool for the OTPKeeper credential vault.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/otpkeeper/internal/vaultctl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := vaultctl.NewApp(os.Stdout).Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "vaultctl:", err)
		if vaultctl.IsUsage(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
