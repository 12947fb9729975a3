package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"token-service/internal/factory"
	"token-service/internal/handler"
	servertls "token-service/internal/tls"
	"token-service/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	router := handler.NewRouter(cfg, f.TokenHandler(), f)

	var httpHandler http.Handler = router
	var tlsServer *http.Server

	if cfg.Server.EnableTLS {
		tlsManager := servertls.NewManager(cfg)

		tlsServer = &http.Server{
			Addr:         cfg.GetTLSAddress(),
			Handler:      router,
			TLSConfig:    tlsManager.TLSConfig(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}

		// The plain listener keeps serving so ACME HTTP-01 challenges and
		// health probes still work.
		if ac := tlsManager.AutocertManager(); ac != nil {
			httpHandler = ac.HTTPHandler(router)
		}
	}

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Background sweep: pending intents past their timeout become expired.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go f.Sweeper().Run(sweepCtx)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	if tlsServer != nil {
		go func() {
			// Certificates come from the manager, so the file args stay empty.
			if err := tlsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				util.Fatal("TLS server failed to start", util.ErrorField(err))
			}
		}()
	}

	util.Info("Server started",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
		util.Bool("tls", tlsServer != nil))

	waitForShutdown(f, server, tlsServer, stopSweeper)
}

func waitForShutdown(f *factory.Factory, server, tlsServer *http.Server, stopSweeper context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if tlsServer != nil {
		if err := tlsServer.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown TLS server gracefully", util.ErrorField(err))
		}
	}
	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}
	f.Close()
}
