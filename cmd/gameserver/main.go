package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Edgardem/PBL-2-redes/api"
	"github.com/Edgardem/PBL-2-redes/config"
	"github.com/Edgardem/PBL-2-redes/events"
	"github.com/Edgardem/PBL-2-redes/pkg/logger"
	"github.com/Edgardem/PBL-2-redes/probe"
	"github.com/Edgardem/PBL-2-redes/store"
	"github.com/Edgardem/PBL-2-redes/transport"
	"github.com/Edgardem/PBL-2-redes/twopc"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "gameserver",
		Short: "Regional game server peer with the distributed transaction core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the peer configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log, cfg.SelfID)
	if err != nil {
		return err
	}
	defer log.Sync()

	st := store.New(cfg.RedisAddr, cfg.RedisPassword, store.Options{
		CASRetries: cfg.CASRetries,
		Retention:  cfg.RetentionWindow,
	}, log)
	defer st.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()
	if err := st.Ping(startCtx); err != nil {
		return fmt.Errorf("state store unreachable at %s: %w", cfg.RedisAddr, err)
	}
	if err := st.InitStock(startCtx, cfg.InitialStock); err != nil {
		return err
	}

	publisher := events.New(st.Client(), log)
	engine := twopc.New(cfg, st, transport.NewClient(), publisher, log)
	engine.Start()
	defer engine.Shutdown()

	mux := http.NewServeMux()
	transport.NewServer(engine, log).Register(mux)
	api.NewServer(cfg, engine, st, log).Register(mux)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.UDPProbeAddr != "" {
		go func() {
			if err := probe.Listen(ctx, cfg.UDPProbeAddr, log); err != nil {
				log.Warn("udp probe stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("game server listening",
			zap.String("addr", cfg.ListenAddr), zap.String("peer", cfg.SelfID))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DecideTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}
