// Package main is the sandbox-manager process entry point: it loads
// configuration, builds the runtime client selected by config.Runtime.Type,
// wires a provider into the service façade, and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	k8sdynamic "k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"k8s.io/klog/v2"

	"github.com/fengcone/OpenSandbox/pkg/api"
	"github.com/fengcone/OpenSandbox/pkg/config"
	"github.com/fengcone/OpenSandbox/pkg/provider"
	"github.com/fengcone/OpenSandbox/pkg/provider/clustercr"
	"github.com/fengcone/OpenSandbox/pkg/provider/clusterpod"
	"github.com/fengcone/OpenSandbox/pkg/provider/localdaemon"
	"github.com/fengcone/OpenSandbox/pkg/proxy"
	"github.com/fengcone/OpenSandbox/pkg/service"
)

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", "config.toml", "path to the TOML configuration file")
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		klog.Fatalf("failed to load config %s: %v", configPath, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, err := buildProvider(ctx, *cfg)
	if err != nil {
		klog.Fatalf("failed to build %s provider: %v", cfg.Runtime.Type, err)
	}

	ingressCfg := cfg.Ingress.ToIngressConfig()
	svc := service.New(p, service.Config{
		ReadyInterval:      cfg.Service.ReadyInterval(),
		ReadyTimeout:       cfg.Service.ReadyTimeout(),
		RequestTimeout:     cfg.Service.RequestTimeout(),
		HealthProbeTimeout: cfg.Service.HealthProbeTimeout(),
		Ingress:            &ingressCfg,
		AllowedHostPaths:   cfg.Storage.AllowedHostPaths,
	})
	px := proxy.New(svc)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := api.NewServer(addr, svc, px, cfg.Server.APIKey)

	go func() {
		klog.Infof("sandbox-manager listening on %s (runtime=%s)", addr, cfg.Runtime.Type)
		if err := server.Run(); err != nil {
			klog.Errorf("http server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	klog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("graceful shutdown failed: %v", err)
	}
}

// buildProvider selects and constructs the single runtime backend named by
// cfg.Runtime.Type, matching the provider-selected-once-at-startup design
// of spec.md §9.
func buildProvider(ctx context.Context, cfg config.Config) (provider.Provider, error) {
	switch cfg.Runtime.Type {
	case config.RuntimeLocalDaemon:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		return localdaemon.New(cli, localdaemon.Config{
			NetworkMode:        localdaemon.NetworkModeBridge,
			BindIP:             "127.0.0.1",
			HTTPPort:           api.AgentPort,
			EmbeddingProxyPort: 44772,
			AgentImage:         cfg.Runtime.AgentImage,
		}), nil

	case config.RuntimeClusterPod:
		k8sClient, err := buildKubernetesClient()
		if err != nil {
			return nil, err
		}
		return clusterpod.New(ctx, k8sClient, clusterpod.Config{
			Namespace:      cfg.Cluster.Namespace,
			AgentPort:      api.AgentPort,
			AgentImage:     cfg.Runtime.AgentImage,
			ServiceAccount: cfg.Cluster.ServiceAccount,
		}), nil

	case config.RuntimeClusterCR:
		dynClient, err := buildDynamicClient()
		if err != nil {
			return nil, err
		}
		return clustercr.New(ctx, dynClient, clustercr.Config{
			Namespace:      cfg.Cluster.Namespace,
			TemplatePath:   cfg.Cluster.TemplatePath,
			AgentPort:      api.AgentPort,
			AgentImage:     cfg.Runtime.AgentImage,
			ServiceAccount: cfg.Cluster.ServiceAccount,
		})

	default:
		return nil, fmt.Errorf("unrecognized runtime type %q", cfg.Runtime.Type)
	}
}

// buildRestConfig prefers in-cluster credentials, falling back to
// $KUBECONFIG or the user's default kubeconfig path, matching the fallback
// chain of openkruise-agents' clients.NewClientSet.
func buildRestConfig() (*rest.Config, error) {
	if restCfg, err := rest.InClusterConfig(); err == nil {
		return restCfg, nil
	}

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes client config: %w", err)
	}
	return restCfg, nil
}

func buildKubernetesClient() (kubernetes.Interface, error) {
	restCfg, err := buildRestConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func buildDynamicClient() (k8sdynamic.Interface, error) {
	restCfg, err := buildRestConfig()
	if err != nil {
		return nil, err
	}
	return k8sdynamic.NewForConfig(restCfg)
}
