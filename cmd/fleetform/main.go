// fleetform composes OCI container workloads into named, reviewable
// applications on Docker Engine or Kubernetes, exposing the control plane
// over the HTTP surface of internal/adapter/http.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	dockeradapter "github.com/chiwei-platform/fleetform/internal/adapter/docker"
	httpadapter "github.com/chiwei-platform/fleetform/internal/adapter/http"
	k8sadapter "github.com/chiwei-platform/fleetform/internal/adapter/kubernetes"
	"github.com/chiwei-platform/fleetform/internal/adapter/repository"
	"github.com/chiwei-platform/fleetform/internal/bootstrap"
	"github.com/chiwei-platform/fleetform/internal/config"
	"github.com/chiwei-platform/fleetform/internal/eventstream"
	"github.com/chiwei-platform/fleetform/internal/hook"
	"github.com/chiwei-platform/fleetform/internal/port"
	"github.com/chiwei-platform/fleetform/internal/queue"
	"github.com/chiwei-platform/fleetform/internal/registrycli"
	"github.com/chiwei-platform/fleetform/internal/resolver"
	"github.com/chiwei-platform/fleetform/internal/service"
	"github.com/chiwei-platform/fleetform/internal/statuschange"
	"github.com/chiwei-platform/fleetform/internal/ticket"
)

func main() {
	var configPath, runtimeType, httpAddr string

	root := &cobra.Command{
		Use:   "fleetform",
		Short: "Composes OCI workloads into named, reviewable applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, config.RuntimeType(runtimeType), httpAddr)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the TOML configuration file")
	root.Flags().StringVar(&runtimeType, "runtime-type", "", "infrastructure backend: Docker or Kubernetes")
	root.Flags().StringVar(&httpAddr, "http-addr", "", "address the HTTP server listens on")

	if err := root.Execute(); err != nil {
		slog.Error("fleetform exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, runtimeType config.RuntimeType, httpAddr string) error {
	cfg, err := config.Load(configPath, runtimeType, httpAddr)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	infra, closeInfra, err := buildInfrastructure(cfg)
	if err != nil {
		return fmt.Errorf("build infrastructure backend: %w", err)
	}
	defer closeInfra()

	deploymentHook, err := loadOptionalHook(cfg.Hooks.Deployment)
	if err != nil {
		return fmt.Errorf("load deployment hook: %w", err)
	}
	ownerHook, err := loadOptionalHook(cfg.Hooks.IDTokenClaimsToOwner)
	if err != nil {
		return fmt.Errorf("load id-token-claims-to-owner hook: %w", err)
	}

	digest := registrycli.New(cfg.Registries)
	bootstrapRunner := bootstrap.New(infra)
	res, err := resolver.New(cfg, digest, deploymentHook, bootstrapRunner)
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskQueue, err := buildQueue(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build task queue: %w", err)
	}

	statusTTL, err := time.ParseDuration(config.DefaultStatusTTL)
	if err != nil {
		return fmt.Errorf("parse default status ttl: %w", err)
	}
	statusRegistry := statuschange.New(statusTTL)

	coalesce, err := time.ParseDuration(config.DefaultCoalesceWindow)
	if err != nil {
		return fmt.Errorf("parse default coalesce window: %w", err)
	}
	events := eventstream.New(coalesce)

	appsSvc := service.New(cfg, infra, res, taskQueue, statusRegistry, events)

	go taskQueue.Run(ctx, appsSvc.HandleTask)
	go runReconciliationPoll(ctx, appsSvc)

	var ticketClient *ticket.Client
	if cfg.Jira != nil {
		ticketClient = ticket.New(*cfg.Jira)
	}

	handler := httpadapter.NewRouter(
		httpadapter.NewAppHandler(appsSvc, ownerHook),
		httpadapter.NewLogHandler(appsSvc),
		httpadapter.NewTicketHandler(appsSvc, ticketClient),
		cfg.APIAccess.Token,
	)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
	go func() {
		slog.Info("fleetform listening", "addr", srv.Addr, "runtime", cfg.Runtime.Type)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func buildInfrastructure(cfg *config.Config) (port.Infrastructure, func(), error) {
	switch cfg.Runtime.Type {
	case config.RuntimeKubernetes:
		clientset, _, err := k8sadapter.NewClientset(cfg.Runtime.KubeconfigPath)
		if err != nil {
			return nil, nil, fmt.Errorf("build kubernetes clientset: %w", err)
		}
		dyn, err := k8sadapter.NewDynamicClient(cfg.Runtime.KubeconfigPath)
		if err != nil {
			return nil, nil, fmt.Errorf("build kubernetes dynamic client: %w", err)
		}
		return k8sadapter.NewDeployer(clientset, dyn), func() {}, nil
	default:
		cli, err := dockeradapter.NewClient(cfg.Runtime.DockerHost)
		if err != nil {
			return nil, nil, fmt.Errorf("build docker client: %w", err)
		}
		deployer := dockeradapter.NewDeployer(cli, cfg.Runtime.DockerNetwork, cfg.Runtime.DockerDataDir, cfg.Runtime.DockerSecretsDir)
		return deployer, func() { _ = cli.Close() }, nil
	}
}

func buildQueue(ctx context.Context, cfg *config.Config) (port.TaskQueue, error) {
	if cfg.Database == nil || cfg.Database.URL == "" {
		return queue.NewMemory(), nil
	}
	pool, err := repository.OpenPool(ctx, cfg.Database.URL, int32(cfg.Database.MaxOpenConns))
	if err != nil {
		return nil, err
	}
	leaseExpiry := time.Duration(cfg.Database.LeaseExpirySecs) * time.Second
	durable := queue.NewDurable(pool, 2*time.Second, leaseExpiry)
	if err := durable.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate task queue: %w", err)
	}
	return durable, nil
}

func loadOptionalHook(sh *config.ScriptHook) (*hook.Hook, error) {
	if sh == nil {
		return nil, nil
	}
	return hook.Load(sh.Script, sh.File, sh.Timeout)
}

// runReconciliationPoll republishes every app's observed state on a fixed
// interval even when no task just completed, so drift the backend alone
// caused (a pod evicted, a container OOM-killed) still reaches SSE
// subscribers within one poll period.
func runReconciliationPoll(ctx context.Context, appsSvc *service.AppsService) {
	interval, err := time.ParseDuration(config.DefaultPollInterval)
	if err != nil {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			apps, err := appsSvc.FetchApps(ctx)
			if err != nil {
				slog.Warn("reconciliation poll failed", "error", err)
				continue
			}
			for name, services := range apps {
				appsSvc.PublishSnapshot(name, services)
			}
		}
	}
}
