// Copyright 2025 The Codeloom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command codeloom is the conversational codebase runtime.
//
// Usage:
//
//	codeloom serve --config config.yaml
//	codeloom chat
//	codeloom index /path/to/codebase
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/codeloom-ai/codeloom/pkg/config"
	"github.com/codeloom-ai/codeloom/pkg/logger"
)

var version = "0.1.0"

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Run the JSON-RPC server on stdio."`
	Chat    ChatCmd    `cmd:"" default:"1" help:"Interactive chat REPL."`
	Index   IndexCmd   `cmd:"" help:"Scan a codebase and ingest it into the vector index."`
	Schema  SchemaCmd  `cmd:"" help:"Generate the JSON Schema for the configuration file."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `name:"log-level" help:"Log level (debug, info, warn, error)."`
	LogFile  string `name:"log-file" help:"Log file path (empty = stderr)."`
}

// loadConfig builds the effective configuration and initialises
// logging. Logs go to stderr or a file; stdout belongs to the RPC
// channel in serve mode.
func (cli *CLI) loadConfig() (*config.Config, func(), error) {
	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		return nil, nil, err
	}

	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.Logging.File = cli.LogFile
	}

	cleanup := func() {}
	output := os.Stderr
	if cfg.Logging.File != "" {
		file, closeFile, err := logger.OpenLogFile(cfg.Logging.File)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}
	logger.Init(logger.ParseLevel(cfg.Logging.Level), output)

	return cfg, cleanup, nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	v := version
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			v = info.Main.Version
		}
	}
	fmt.Printf("codeloom version %s\n", v)
	return nil
}

// SchemaCmd prints the configuration JSON Schema.
type SchemaCmd struct{}

func (c *SchemaCmd) Run() error {
	data, err := config.GenerateSchema()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("codeloom"),
		kong.Description("Codeloom - conversational codebase runtime"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
