// Copyright 2025 Squadron Authors
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

// Command squadron runs the GitHub-native multi-agent orchestration
// server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/nbaertsch/squadron/pkg/config"
	"github.com/nbaertsch/squadron/pkg/logger"
	"github.com/nbaertsch/squadron/pkg/server"
)

var version = "dev"

type cli struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`

	Serve    serveCmd    `cmd:"" help:"Run the Squadron server."`
	Validate validateCmd `cmd:"" help:"Validate a .squadron/ project directory."`
	Version  versionCmd  `cmd:"" help:"Print the version."`
}

type serveCmd struct {
	Repo string `help:"Path to the repository checkout carrying .squadron/." default:"." type:"path"`
	Addr string `help:"HTTP listen address." default:":8000"`
}

func (c *serveCmd) Run() error {
	srv := server.New(server.Options{
		RepoRoot: c.Repo,
		Addr:     c.Addr,
		// The LLM runtime is provided by the deployment build; without
		// one the server still routes events and runs pipelines whose
		// stages do not spawn agents.
	})

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

type validateCmd struct {
	Repo string `help:"Path to the repository checkout carrying .squadron/." default:"." type:"path"`
}

func (c *validateCmd) Run() error {
	project, err := config.Load(filepath.Join(c.Repo, ".squadron"))
	if err != nil {
		return err
	}
	fmt.Printf("OK: %d roles, %d agent definitions, %d pipelines\n",
		len(project.Config.AgentRoles), len(project.Definitions), len(project.Pipelines))
	return nil
}

type versionCmd struct{}

func (c *versionCmd) Run() error {
	fmt.Println("squadron", version)
	return nil
}

func main() {
	_ = godotenv.Load()

	var app cli
	kctx := kong.Parse(&app,
		kong.Name("squadron"),
		kong.Description("GitHub-native multi-agent orchestration framework."),
		kong.UsageOnError(),
	)

	logger.Init(logger.ParseLevel(app.LogLevel), os.Stderr, app.LogFormat)

	if err := kctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
