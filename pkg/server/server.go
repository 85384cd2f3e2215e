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

// Package server is the composition root: it owns the singletons
// (registry, router, agent manager, pipeline engine, activity log),
// wires them together by constructor injection, and serves the HTTP
// surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nbaertsch/squadron/pkg/activity"
	"github.com/nbaertsch/squadron/pkg/agent"
	"github.com/nbaertsch/squadron/pkg/commands"
	"github.com/nbaertsch/squadron/pkg/config"
	"github.com/nbaertsch/squadron/pkg/events"
	"github.com/nbaertsch/squadron/pkg/gates"
	"github.com/nbaertsch/squadron/pkg/github"
	"github.com/nbaertsch/squadron/pkg/metrics"
	"github.com/nbaertsch/squadron/pkg/models"
	"github.com/nbaertsch/squadron/pkg/pipeline"
	"github.com/nbaertsch/squadron/pkg/reconcile"
	"github.com/nbaertsch/squadron/pkg/recovery"
	"github.com/nbaertsch/squadron/pkg/registry"
)

// Server ties every component together and runs the process.
type Server struct {
	repoRoot    string
	squadronDir string

	cfg      *config.Config
	project  *config.Project
	store    *registry.Store
	gh       github.Client
	queue    chan models.GitHubEvent
	router   *events.Router
	manager  *agent.Manager
	engine   *pipeline.Engine
	gateReg  *gates.Registry
	activity *activity.Log
	loop     *reconcile.Loop
	mx       *metrics.Metrics

	httpServer *http.Server
	group      *errgroup.Group
	cancel     context.CancelFunc

	webhookSecret  string
	dashboardKey   string
	repoFullName   string
	installationID int64
	configVersion  string

	opts Options
}

// Options configures a Server.
type Options struct {
	// RepoRoot is the checkout carrying .squadron/. Ignored when
	// SQUADRON_REPO_URL forces a clone.
	RepoRoot string
	// Addr is the HTTP listen address, e.g. ":8000".
	Addr string

	// Runtime is the LLM agent runtime (required to run agents).
	Runtime agent.SessionRuntime
	// Sandbox is optional.
	Sandbox agent.SandboxManager
	// GitHub overrides the built client (tests).
	GitHub github.Client
}

// New prepares a Server. Start does the heavy lifting so that fatal
// boot conditions surface as errors rather than half-built state.
func New(o Options) *Server {
	return &Server{repoRoot: o.RepoRoot, opts: o}
}

// Start runs the boot sequence:
//
//  1. clone the repository if SQUADRON_REPO_URL is set
//  2. load .squadron/ config
//  3. open the registry and run phase-1 recovery
//  4. build the GitHub client, ensure labels, phase-2 recovery
//  5. wire router, agent manager, pipeline engine, reconciliation
//  6. start background loops and the HTTP listener
func (s *Server) Start(ctx context.Context) error {
	slog.Info("Squadron server starting", "repo", s.repoRoot)

	if repoURL := strings.TrimSpace(os.Getenv("SQUADRON_REPO_URL")); repoURL != "" {
		if err := s.cloneRepo(ctx, repoURL); err != nil {
			return err
		}
	}
	if s.repoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		s.repoRoot = wd
	}
	s.squadronDir = filepath.Join(s.repoRoot, ".squadron")

	project, err := config.Load(s.squadronDir)
	if err != nil {
		return fmt.Errorf("fatal: failed to load configuration: %w", err)
	}
	s.project = project
	s.cfg = project.Config
	slog.Info("Configuration loaded",
		"roles", len(s.cfg.AgentRoles), "pipelines", len(project.Pipelines))

	dataDir := os.Getenv("SQUADRON_DATA_DIR")
	if dataDir == "" {
		dataDir = filepath.Join(s.repoRoot, ".squadron-data")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("fatal: failed to create data dir: %w", err)
	}
	s.store, err = registry.Open(filepath.Join(dataDir, "registry.db"))
	if err != nil {
		return fmt.Errorf("fatal: failed to open registry: %w", err)
	}

	s.mx = metrics.New(prometheus.DefaultRegisterer)
	s.activity = activity.NewLog(s.store.DB())

	// Phase 1 recovery needs nothing but the registry.
	if summary, err := recovery.MarkStaleAgents(ctx, s.store, nil); err != nil {
		return fmt.Errorf("fatal: phase 1 recovery failed: %w", err)
	} else if summary.MarkedFailed > 0 {
		slog.Info("Phase 1 recovery", "summary", summary.String())
	}

	s.webhookSecret = os.Getenv("GITHUB_WEBHOOK_SECRET")
	s.dashboardKey = os.Getenv("SQUADRON_DASHBOARD_API_KEY")
	s.repoFullName = s.cfg.Project.Owner + "/" + s.cfg.Project.Repo
	if raw := os.Getenv("GITHUB_INSTALLATION_ID"); raw != "" {
		s.installationID, _ = strconv.ParseInt(raw, 10, 64)
	}

	s.gh = s.opts.GitHub
	if s.gh == nil {
		client, err := github.NewRestClient(github.Options{
			Owner:          s.cfg.Project.Owner,
			Repo:           s.cfg.Project.Repo,
			AppID:          os.Getenv("GITHUB_APP_ID"),
			PrivateKeyPEM:  os.Getenv("GITHUB_PRIVATE_KEY"),
			InstallationID: os.Getenv("GITHUB_INSTALLATION_ID"),
			Token:          os.Getenv("GITHUB_TOKEN"),
		})
		if err != nil {
			return fmt.Errorf("fatal: failed to build GitHub client: %w", err)
		}
		s.gh = client
	}

	if labels := s.cfg.Labels.All(); len(labels) > 0 {
		if err := s.gh.EnsureLabelsExist(ctx, labels); err != nil {
			slog.Warn("Failed to ensure label taxonomy — continuing", "error", err)
		}
	}

	// Phase 2 recovery never aborts the boot.
	summary := recovery.ReconstructFromGitHub(ctx, s.cfg, s.store, s.gh)
	slog.Info("Phase 2 recovery", "summary", summary.String())

	parser := commands.New(commands.Options{
		CommandPrefix: s.cfg.CommandPrefix,
		BotMention:    s.cfg.Project.BotUsername,
		KnownAgents:   s.cfg.RoleNames(),
		KnownCommands: s.cfg.CommandNames(),
	})

	s.queue = make(chan models.GitHubEvent, s.cfg.Runtime.EventQueueSize)
	s.router = events.NewRouter(events.Options{
		Queue:         s.queue,
		Parser:        parser,
		DedupCapacity: s.cfg.Runtime.DedupCapacity,
		Metrics:       s.mx,
	})

	worktreeDir := s.cfg.Runtime.WorktreeDir
	if worktreeDir == "" {
		worktreeDir = filepath.Join(dataDir, "worktrees")
	}
	if err := os.MkdirAll(worktreeDir, 0755); err != nil {
		return fmt.Errorf("fatal: failed to create worktree dir: %w", err)
	}

	s.manager = agent.New(agent.Options{
		Config:      s.cfg,
		Definitions: s.project.Definitions,
		Store:       s.store,
		GitHub:      s.gh,
		Router:      s.router,
		Runtime:     s.opts.Runtime,
		Worktree:    &gitWorktree{repoRoot: s.repoRoot, worktreeDir: worktreeDir},
		Sandbox:     s.opts.Sandbox,
		Activity:    s.activity,
		Metrics:     s.mx,
		Parser:      parser,
		PreSleep:    s.preSleepHook,
	})

	s.gateReg = gates.NewRegistry()
	s.engine = pipeline.NewEngine(pipeline.Options{
		Store:    s.store,
		Spawner:  s.manager,
		Actions:  &actionRunner{gh: s.gh, store: s.store, bot: s.cfg.Project.BotUsername},
		Gates:    &gateEvaluator{gates: s.gateReg, store: s.store, gh: s.gh},
		Notifier: &runNotifier{gh: s.gh, bot: s.cfg.Project.BotUsername},
		Webhooks: pipeline.NewHTTPWebhookDoer(),
		Metrics:  s.mx,
	})
	s.engine.RegisterPipelines(s.project.Pipelines)
	s.manager.SetPipelineCallbacks(s.engine)
	s.router.SetPipelineSink(s.engine)

	s.manager.Start()
	s.router.On(models.EventPRSynchronized, s.handlePRSynchronized)
	s.router.On(models.EventPROpened, s.handlePROpened)
	s.router.On(models.EventPush, s.handleConfigReload)

	if err := s.engine.Resume(ctx); err != nil {
		slog.Warn("Pipeline resume reported errors", "error", err)
	}

	s.loop = reconcile.New(s.cfg, s.store, s.gh, s.manager)
	if err := s.loop.Start(); err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.router.Start(runCtx)

	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.group, _ = errgroup.WithContext(runCtx)
	s.group.Go(func() error {
		slog.Info("HTTP listener started", "addr", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	slog.Info("Squadron server started")
	return nil
}

// Stop shuts everything down in dependency order.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Squadron server shutting down")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("HTTP shutdown error", "error", err)
		}
	}
	if s.loop != nil {
		s.loop.Stop()
	}
	if s.manager != nil {
		s.manager.Stop(ctx)
	}
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.router != nil {
		s.router.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			slog.Warn("Background task error during shutdown", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	slog.Info("Squadron server stopped")
	return nil
}

// preSleepHook commits and pushes work in progress before an agent
// goes to sleep. Failures are logged, never blocking the transition.
func (s *Server) preSleepHook(ctx context.Context, record *models.AgentRecord) error {
	if record.WorktreePath == "" {
		return nil
	}
	steps := [][]string{
		{"git", "-C", record.WorktreePath, "add", "-A"},
		{"git", "-C", record.WorktreePath, "commit", "-m", "wip: agent suspending"},
		{"git", "-C", record.WorktreePath, "push", "-u", "origin", record.Branch},
	}
	for _, step := range steps {
		out, err := exec.CommandContext(ctx, step[0], step[1:]...).CombinedOutput()
		if err != nil {
			// "nothing to commit" is routine; everything else is worth a line.
			if !strings.Contains(string(out), "nothing to commit") {
				return fmt.Errorf("%s: %s", strings.Join(step[:3], " "), strings.TrimSpace(string(out)))
			}
		}
	}
	return nil
}

// handlePRSynchronized applies the review policy's invalidation rule:
// a new head SHA marks every recorded approval stale (rows are kept).
func (s *Server) handlePRSynchronized(ctx context.Context, event *models.Event) error {
	if !s.cfg.ReviewPolicy.Enabled || !s.cfg.ReviewPolicy.OnSynchronize.InvalidateApprovals {
		return nil
	}
	if event.PRNumber == 0 {
		return nil
	}
	n, err := s.store.InvalidatePRApprovals(ctx, event.PRNumber)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Invalidated approvals after PR update", "pr", event.PRNumber, "count", n)
	}
	return nil
}

// handlePROpened installs the default approval requirements on new PRs.
func (s *Server) handlePROpened(ctx context.Context, event *models.Event) error {
	if !s.cfg.ReviewPolicy.Enabled || event.PRNumber == 0 {
		return nil
	}
	var reqs []registry.PRRequirement
	for role, count := range s.cfg.ReviewPolicy.DefaultRequirements {
		reqs = append(reqs, registry.PRRequirement{Role: role, RequiredCount: count})
	}
	if len(reqs) == 0 {
		return nil
	}
	return s.store.SetPRRequirements(ctx, event.PRNumber, reqs)
}

// handleConfigReload reloads .squadron/ when a push to the default
// branch touches it. A parse failure keeps the old config; only new
// spawns observe the new one.
func (s *Server) handleConfigReload(ctx context.Context, event *models.Event) error {
	ref := event.PayloadField("ref").String()
	if ref != "refs/heads/"+s.cfg.Project.DefaultBranch {
		return nil
	}

	touched := false
	for _, commit := range event.PayloadField("commits").Array() {
		for _, key := range []string{"added", "modified", "removed"} {
			for _, file := range commit.Get(key).Array() {
				if strings.HasPrefix(file.String(), ".squadron/") {
					touched = true
				}
			}
		}
	}
	if !touched {
		return nil
	}

	slog.Info("Config change detected on default branch — reloading")
	out, err := exec.CommandContext(ctx, "git", "-C", s.repoRoot, "pull", "--ff-only").CombinedOutput()
	if err != nil {
		slog.Error("git pull failed during config reload", "output", strings.TrimSpace(string(out)))
		return nil
	}

	project, err := config.Load(s.squadronDir)
	if err != nil {
		slog.Error("Config reload failed — keeping old config. Fix the config and push again.",
			"error", err)
		return nil
	}

	oldVersion := s.configVersion
	s.configVersion = event.PayloadField("after").String()

	s.cfg = project.Config
	s.project = project
	s.manager.UpdateConfig(project.Config, project.Definitions)
	s.engine.RegisterPipelines(project.Pipelines)

	// Re-register handlers against the new trigger set.
	s.router.ResetHandlers()
	s.manager.Start()
	s.router.On(models.EventPRSynchronized, s.handlePRSynchronized)
	s.router.On(models.EventPROpened, s.handlePROpened)
	s.router.On(models.EventPush, s.handleConfigReload)

	slog.Info("Config reloaded",
		"from", shortSHA(oldVersion), "to", shortSHA(s.configVersion),
		"roles", len(project.Config.AgentRoles), "pipelines", len(project.Pipelines))
	return nil
}

func shortSHA(sha string) string {
	if sha == "" {
		return "initial"
	}
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// cloneRepo clones the target repository at boot (container
// environments) using an installation token, then strips the token
// from the remote URL.
func (s *Server) cloneRepo(ctx context.Context, repoURL string) error {
	cloneDir := filepath.Join(os.TempDir(), "squadron-repo")

	if _, err := os.Stat(filepath.Join(cloneDir, ".git")); err == nil {
		slog.Info("Repo already cloned — pulling latest", "dir", cloneDir)
		out, err := exec.CommandContext(ctx, "git", "-C", cloneDir, "pull", "--ff-only").CombinedOutput()
		if err == nil {
			s.repoRoot = cloneDir
			return nil
		}
		slog.Warn("git pull failed — re-cloning", "output", strings.TrimSpace(string(out)))
		if err := os.RemoveAll(cloneDir); err != nil {
			return err
		}
	}

	authURL := repoURL
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		authURL = strings.Replace(repoURL, "https://", "https://x-access-token:"+token+"@", 1)
	}
	branch := os.Getenv("SQUADRON_DEFAULT_BRANCH")
	if branch == "" {
		branch = "main"
	}

	slog.Info("Cloning repository", "url", repoURL, "branch", branch, "dir", cloneDir)
	out, err := exec.CommandContext(ctx, "git", "clone", "--branch", branch, authURL, cloneDir).CombinedOutput()
	if err != nil {
		return fmt.Errorf("fatal: git clone failed: %s", strings.TrimSpace(string(out)))
	}

	// Strip the token so it cannot leak via `git remote -v`.
	if authURL != repoURL {
		_ = exec.CommandContext(ctx, "git", "-C", cloneDir, "remote", "set-url", "origin", repoURL).Run()
	}

	s.repoRoot = cloneDir
	return nil
}
