package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/xlab/closer"

	"github.com/entwico/clustersocks/internal/config"
	"github.com/entwico/clustersocks/internal/kube"
	"github.com/entwico/clustersocks/internal/proxy"
	"github.com/entwico/clustersocks/internal/version"
)

func main() {
	showVersion := pflag.Bool("version", false, "print version information and exit")
	configPath := pflag.String("config", "", "path to YAML config file (default: config.yaml in working directory)")

	pflag.Parse()

	if *showVersion {
		version.Print()
		return
	}

	if *configPath == "" {
		*configPath = "config.yaml"
	}

	cfg, cluster, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	logger := config.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer closer.Close()

	restCfg, clientset, err := kube.NewClientset(cluster.Kubeconfig, cluster.Context)
	if err != nil {
		logger.Error("building cluster client failed", "kubeconfig", cluster.Kubeconfig, "context", cluster.Context, "error", err)
		os.Exit(1)
	}

	resolver := kube.Resolver{Clientset: clientset}
	forwarder := &kube.PortForwarder{Config: restCfg, Clientset: clientset}

	handler := &proxy.Handler{
		Resolver:  resolver,
		Forwarder: forwarder,
		Logger:    logger.With("component", "socks"),
	}

	listener := &proxy.Listener{
		Addr:    cfg.ListenAddress,
		Handler: handler,
		Logger:  logger.With("component", "socks-listener"),
	}

	logger.Info("starting socks proxy", "addr", cfg.ListenAddress, "namespace", cluster.Namespace)

	go func() {
		if err := listener.Serve(ctx); err != nil {
			logger.Error("socks listener failed", "error", err)
			stop()
		}
	}()

	if cfg.HTTPListenAddress != "" {
		dialer := &proxy.ClusterDialer{Resolver: resolver, Forwarder: forwarder}

		httpProxy := &proxy.HTTPProxy{
			DialContext: dialer.DialContext,
			Logger:      logger.With("component", "http-proxy"),
		}
		defer httpProxy.Close()

		httpServer := &http.Server{
			Addr:              cfg.HTTPListenAddress,
			Handler:           httpProxy,
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Info("starting http proxy server", "addr", cfg.HTTPListenAddress)
		gracefulShutdown(ctx, httpServer, logger, "http server")

		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http connect server failed", "error", err)
				stop()
			}
		}()
	}

	if cfg.PACListenAddress != "" {
		pacServer := &proxy.PACServer{
			SOCKSAddress:     cfg.ListenAddress,
			HTTPProxyAddress: cfg.HTTPListenAddress,
		}

		pacHTTPServer := &http.Server{
			Addr:              cfg.PACListenAddress,
			Handler:           pacServer,
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Info("starting proxy auto-configuration server", "addr", cfg.PACListenAddress)
		gracefulShutdown(ctx, pacHTTPServer, logger, "pac server")

		go func() {
			if err := pacHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("pac server failed", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
}

// gracefulShutdown starts a background goroutine that shuts down the server
// when the context is cancelled.
func gracefulShutdown(ctx context.Context, server *http.Server, logger *slog.Logger, name string) {
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(name+" shutdown error", "error", err)
		}
	}()
}
