package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/jhd3197/cachibot/internal/agent"
	"github.com/jhd3197/cachibot/internal/agent/skills"
	"github.com/jhd3197/cachibot/internal/cluster"
	"github.com/jhd3197/cachibot/internal/config"
	"github.com/jhd3197/cachibot/internal/credential"
	"github.com/jhd3197/cachibot/internal/crypto"
	"github.com/jhd3197/cachibot/internal/knowledge"
	"github.com/jhd3197/cachibot/internal/llm"
	"github.com/jhd3197/cachibot/internal/manager"
	"github.com/jhd3197/cachibot/internal/media"
	"github.com/jhd3197/cachibot/internal/outboundwebhook"
	"github.com/jhd3197/cachibot/internal/pipeline"
	"github.com/jhd3197/cachibot/internal/redact"
	"github.com/jhd3197/cachibot/internal/resolver"
	"github.com/jhd3197/cachibot/internal/server"
	"github.com/jhd3197/cachibot/internal/store"
	"github.com/jhd3197/cachibot/internal/vectorsearch"
	"github.com/jhd3197/cachibot/internal/webhookingress"
	"github.com/jhd3197/cachibot/internal/wsbroadcast"
)

var (
	name    = "cachibot"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	baseLogger := logi.InitializeLog(logi.WithCaller(false))
	logger := slog.New(redact.NewHandler(baseLogger.Handler()))
	slog.SetDefault(logger)

	into.Init(run,
		into.WithLogger(logger),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	keyFilePath, err := masterKeyFilePath(cfg.Crypto)
	if err != nil {
		return fmt.Errorf("resolve master key path: %w", err)
	}
	masterKey, err := crypto.LoadMasterKey(keyFilePath)
	if err != nil {
		return fmt.Errorf("load master key: %w", err)
	}

	dataStore, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer dataStore.Close()

	credentials := credential.New(dataStore, dataStore, masterKey)
	resolv := resolver.New(cfg.Agent, credentials, dataStore)

	driverRegistry, err := llm.NewRegistry(cfg.Providers)
	if err != nil {
		return fmt.Errorf("build llm driver registry: %w", err)
	}

	skillDefs, err := dataStore.ListSkills(ctx)
	if err != nil {
		return fmt.Errorf("list skill definitions: %w", err)
	}
	agentLoop := agent.NewLoop(skills.NewExecutor(skillDefs))

	searcher, err := vectorsearch.New(cfg.VectorSearch, nil, dataStore)
	if err != nil {
		return fmt.Errorf("build vector search backend: %w", err)
	}
	knowledgeBuilder := &knowledge.Builder{
		Skills:   dataStore,
		Notes:    dataStore,
		Contacts: dataStore,
		History:  dataStore,
		Vectors:  searcher,
	}

	fetcher, err := media.NewFetcher()
	if err != nil {
		return fmt.Errorf("build attachment fetcher: %w", err)
	}
	transcriber, _ := media.NewTranscriber(cfg.Media.AssemblyAIAPIKey)

	dispatcher, err := outboundwebhook.New(dataStore, cfg.Webhook.ExcludeAfterFailures)
	if err != nil {
		return fmt.Errorf("build outbound webhook dispatcher: %w", err)
	}

	chatHub := wsbroadcast.NewHub(nil)

	pipe := &pipeline.Pipeline{
		Bots:            dataStore,
		Chats:           dataStore,
		Knowledge:       knowledgeBuilder,
		Resolver:        resolv,
		Agent:           agentLoop,
		Drivers:         driverRegistry,
		ProviderConfigs: cfg.Providers,
		Fetcher:         fetcher,
		Transcriber:     transcriber,
		MaxExtractChars: cfg.Media.MaxExtractChars,
		Dispatcher:      dispatcher,
		Broadcast:       chatHub,
	}

	mgr := manager.New(dataStore, pipe, manager.Options{
		HealthInterval:   cfg.Manager.HealthCheckInterval,
		HealthTimeout:    cfg.Manager.HealthCheckTimeout,
		FailureThreshold: cfg.Manager.FailureThreshold,
		MasterKey:        masterKey,
	})
	pipe.Adapters = mgr

	mgr.Start(ctx)
	if err := mgr.StartupReconnect(ctx); err != nil {
		slog.Error("startup reconnect sweep failed", "error", err)
	}
	defer mgr.Stop()

	peers, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("start cluster: %w", err)
	}
	// server.Options.Cluster is an interface; assigning a nil *cluster.Cluster
	// to it directly would produce a non-nil interface holding a nil pointer,
	// so it is only set when clustering is actually configured.
	var rotator server.KeyRotator
	if peers != nil {
		rotator = peers
		go func() {
			if err := peers.Start(ctx, credentials.SetMasterKey); err != nil && ctx.Err() == nil {
				slog.Error("cluster coordination stopped", "error", err)
			}
		}()
		defer peers.Stop()
	}

	ingress := webhookingress.New(mgr)
	controlPlane := server.NewControlPlane(cfg.Server.BasePath, credentials, resolv, ingress, chatHub, server.Options{
		AdminToken:   cfg.Server.AdminToken,
		UserHeader:   cfg.Server.UserHeader,
		Cluster:      rotator,
		KeyFilePath:  keyFilePath,
		OnKeyRotated: mgr.SetMasterKey,
	})

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	slog.Info("starting control plane", "addr", addr)
	return controlPlane.Start(ctx, addr)
}

// masterKeyFilePath resolves the on-disk path crypto.LoadMasterKey reads and
// PersistMasterKey (on rotation) rewrites, defaulting to the conventional
// per-user path when cfg.KeyFile is unset.
func masterKeyFilePath(cfg config.Crypto) (string, error) {
	if cfg.KeyFile != "" {
		return cfg.KeyFile, nil
	}
	return crypto.DefaultKeyPath(name)
}
