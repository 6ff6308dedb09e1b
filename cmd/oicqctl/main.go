package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "oicqctl: %s\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "oicqctl",
		Usage:     "inspect frames and token bundles, send raw commands",
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			{
				Name:      "decode",
				Usage:     "decode a hex encoded frame",
				ArgsUsage: "<frame hex>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Usage: "share key as hex"},
				},
				Action: decodeAction,
			},
			{
				Name:      "convert-token",
				Usage:     "rewrite a token bundle in the compact layout",
				ArgsUsage: "<token file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "client-type", Value: "QQ", Usage: "QQ, QQ_old or Watch"},
					&cli.StringFlag{Name: "out", Usage: "output file, stdout when empty"},
				},
				Action: convertTokenAction,
			},
			{
				Name:      "token-status",
				Usage:     "summarize a token bundle",
				ArgsUsage: "<token file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "client-type", Value: "QQ", Usage: "QQ, QQ_old or Watch"},
				},
				Action: tokenStatusAction,
			},
			{
				Name:  "send",
				Usage: "send a raw command with the session from a token bundle; the server comes from OICQ_SERVER",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Required: true, Usage: "token bundle file"},
					&cli.StringFlag{Name: "cmd", Required: true, Usage: "command name"},
					&cli.StringFlag{Name: "body", Usage: "request body as hex"},
					&cli.BoolFlag{Name: "zero-key", Usage: "encrypt with the zero key instead of the share key"},
					&cli.IntFlag{Name: "repeat", Value: 1, Usage: "number of concurrent requests"},
				},
				Action: sendAction,
			},
		},
	}
}
