// Package main provides the cloudsave CLI.
//
// Usage:
//
//	cloudsave save --name NAME (--file PATH | --dir DIR) [--provider backend|s3|host]
//	cloudsave host --listen ADDR [--provider backend|s3]
//
// save exits with 0 when the upload was confirmed and 1 otherwise.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:           "cloudsave",
		Usage:          "Save scene archives to cloud storage in parts",
		Version:        version,
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			configFlag,
			debugFlag,
		},
		Commands: []*cli.Command{
			saveCommand(),
			hostCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
