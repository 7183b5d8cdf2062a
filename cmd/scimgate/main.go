// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package main implements the scimgate CLI.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/version"
)

var _ = kong.Must(&cli{})

type debugFlag bool

// BeforeApply binds a development-mode logger when --debug is set.
func (d debugFlag) BeforeApply(ctx *kong.Context) error { //nolint:unparam // BeforeApply requires this signature.
	zl, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	ctx.BindTo(logging.NewLogrLogger(zapr.NewLogger(zl)), (*logging.Logger)(nil))
	return nil
}

type versionCmd struct{}

// Run prints the build-stamped version.
func (c *versionCmd) Run() error {
	fmt.Fprintln(os.Stdout, version.New().GetVersionString())
	return nil
}

// The top-level scimgate CLI.
type cli struct {
	// Subcommands.
	Start   startCmd   `cmd:"" help:"Start the scimgate sync daemon."`
	Version versionCmd `cmd:"" help:"Print the scimgate version."`

	// Flags.
	Debug debugFlag `short:"d" help:"Run with debug logging."`
}

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.NewLogrLogger(zapr.NewLogger(zl))

	parser := kong.Must(&cli{},
		kong.Name("scimgate"),
		kong.Description("A multi-tenant SCIM 2.0 gateway for downstream business applications."),
		// Binding the logger to the kong context makes it available to
		// all commands at runtime.
		kong.BindTo(logger, (*logging.Logger)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			FlagsLast:      true,
			Compact:        true,
			WrapUpperBound: 80,
		}),
		kong.UsageOnError())

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	err = ctx.Run()
	ctx.FatalIfErrorf(err)
}
