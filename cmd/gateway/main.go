package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fieldkit-robotics/meshrpc"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "gateway",
		Usage: "forwards client RPC traffic to a service directory and its backends",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a gateway YAML config file",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "address to listen on for client connections, e.g. tcp://0.0.0.0:9559",
			},
			&cli.StringFlag{
				Name:  "directory",
				Usage: "address of the upstream service directory, e.g. tcp://127.0.0.1:9559",
			},
			&cli.StringFlag{
				Name:  "admin-addr",
				Usage: "address to serve /gateway/status and /debug/vars on",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, or error",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := &meshrpc.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := meshrpc.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if v := c.String("listen"); v != "" {
		cfg.Gateway.ListenAddr = v
	}
	if v := c.String("directory"); v != "" {
		cfg.Gateway.DirectoryAddr = v
	}
	if v := c.String("admin-addr"); v != "" {
		cfg.Gateway.AdminAddr = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Gateway.LogLevel = v
	}
	if cfg.Gateway.ListenAddr == "" {
		cfg.Gateway.ListenAddr = "tcp://0.0.0.0:9559"
	}
	if cfg.Gateway.DirectoryAddr == "" {
		return fmt.Errorf("gateway: --directory or config gateway.directory_addr is required")
	}

	meshrpc.InitLogger(meshrpc.ParseLogLevel(cfg.Gateway.LogLevel))

	listenURL, err := meshrpc.ParseURL(cfg.Gateway.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: parse listen address: %w", err)
	}
	directoryURL, err := meshrpc.ParseURL(cfg.Gateway.DirectoryAddr)
	if err != nil {
		return fmt.Errorf("gateway: parse directory address: %w", err)
	}

	var opts []meshrpc.GatewayOption
	if cfg.Gateway.DialTimeout > 0 {
		opts = append(opts, meshrpc.WithGatewayDialTimeout(cfg.Gateway.DialTimeout))
	}
	opts = append(opts, meshrpc.WithLogLevel(meshrpc.ParseLogLevel(cfg.Gateway.LogLevel)))

	gw := meshrpc.NewGateway(opts...)
	if err := gw.Listen(directoryURL, listenURL); err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	defer gw.Close()

	slog.Info("meshrpc: gateway listening", "listen", listenURL.String(), "directory", directoryURL.String())

	if cfg.Gateway.AdminAddr != "" {
		admin, err := meshrpc.NewAdminServer(gw, cfg.Gateway.AdminAddr)
		if err != nil {
			return fmt.Errorf("gateway: admin server: %w", err)
		}
		admin.Start()
		defer admin.Stop()
	}

	select {}
}
