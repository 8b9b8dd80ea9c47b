package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"pairsync/internal/auth"
	"pairsync/internal/config"
	"pairsync/internal/hub"
	"pairsync/internal/pairing"
	"pairsync/internal/server"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	backend := pairing.NewBackend(cfg.BackendURL)
	controller := pairing.NewController(backend, pairing.Options{
		QuickPollInterval:  cfg.QuickPollInterval,
		QuickPollAttempts:  cfg.QuickPollAttempts,
		SteadyPollInterval: cfg.SteadyPollInterval,
		StartSettleDelay:   cfg.StartSettleDelay,
		StartDeadline:      cfg.StartDeadline,
		LinkedStateFile:    cfg.LinkedStateFile,
	})

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "pairsync",
	}

	router := server.NewRouter(server.Deps{
		Controller:  controller,
		Hub:         hub.New(),
		TokenConfig: tokenCfg,
	})

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return server.Run(cfg, router)
	})
	if cfg.PushURL != "" {
		push := pairing.NewPushConsumer(cfg.PushURL, controller)
		g.Go(func() error {
			return push.Run(ctx)
		})
	}

	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	log.Fatal(g.Wait())
}
