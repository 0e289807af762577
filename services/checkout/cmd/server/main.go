package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/p-poon/pantry-pilot/pkg/agent"
	"github.com/p-poon/pantry-pilot/pkg/config"
	"github.com/p-poon/pantry-pilot/pkg/logger"
	"github.com/p-poon/pantry-pilot/pkg/mandate"
	"github.com/p-poon/pantry-pilot/pkg/verifier"
	"github.com/p-poon/pantry-pilot/services/checkout/internal/api"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.Must(logger.Config{Level: cfg.LogLevel, Stage: cfg.Stage})
	defer log.Sync()

	reg := mandate.NewRegistry(
		mandate.WithLogger(log.Named("mandate")),
		mandate.WithResetWeekday(cfg.ResetWeekday),
	)
	signer := agent.NewSigner(agent.WithLogger(log.Named("agent")))
	h := api.NewHandler(reg, signer, verifier.New(nil), log.Named("api"))
	rl := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log.Named("ratelimit"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(h, rl),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := rl.Prune(now, 10*time.Minute); n > 0 {
					log.Debug("pruned idle rate limiters", zap.Int("count", n))
				}
			}
		}
	}()

	go func() {
		log.Info("checkout service starting", zap.String("addr", srv.Addr), zap.String("stage", cfg.Stage))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down checkout service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
}
