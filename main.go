package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/athapong/abn/pkg/analysis"
	"github.com/athapong/abn/pkg/config"
	"github.com/athapong/abn/prompts"
	"github.com/athapong/abn/tools"
)

func main() {
	envFile := flag.String("env", ".env", "Path to environment file")
	configFile := flag.String("config", "", "Path to YAML configuration file")
	enableSSE := flag.Bool("sse", false, "Enable SSE server")
	sseAddr := flag.String("sse-addr", ":8080", "Address for SSE server to listen on")
	sseBasePath := flag.String("sse-base-path", "/mcp", "Base path for SSE endpoints")
	metricsAddr := flag.String("metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9090")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		logrus.WithError(err).Warn("Env file not loaded")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := cfg.NewLogger()
	// stdout carries the MCP protocol
	logger.SetOutput(os.Stderr)

	pipeline, err := analysis.NewPipeline(context.Background(), cfg, analysis.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create analysis pipeline")
	}
	defer pipeline.Close()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	mcpServer := server.NewMCPServer(
		"abn",
		"1.0.0",
		server.WithLogging(),
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
	)
	tools.RegisterAttackModelTools(mcpServer, tools.NewAttackModelTools(pipeline, logger))
	prompts.RegisterRiskPrompts(mcpServer)

	if *enableSSE || os.Getenv("ENABLE_SSE") == "true" {
		sseServer := server.NewSSEServer(
			mcpServer,
			server.WithBasePath(*sseBasePath),
			server.WithKeepAlive(true),
		)

		go func() {
			logger.WithFields(logrus.Fields{
				"addr":      *sseAddr,
				"base_path": *sseBasePath,
			}).Info("Starting SSE server")
			if err := sseServer.Start(*sseAddr); err != nil {
				logger.WithError(err).Fatal("Failed to start SSE server")
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("Shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := sseServer.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("SSE server shutdown failed")
		}
		logger.Info("SSE server shutdown complete")
		return
	}

	if err := server.ServeStdio(mcpServer); err != nil {
		panic(fmt.Sprintf("Server error: %v", err))
	}
}

func serveMetrics(addr string, logger logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.WithField("addr", addr).Info("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Error("Metrics server stopped")
	}
}
