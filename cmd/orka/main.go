package main

import (
	"fmt"
	"os"

	"github.com/Stefan/orka-ppm-sub005/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "orka"}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
