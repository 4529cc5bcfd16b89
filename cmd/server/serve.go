package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"interestchat/internal/auth"
	"interestchat/internal/config"
	"interestchat/internal/events"
	"interestchat/internal/mw"
	"interestchat/internal/pubsub"
	"interestchat/internal/repository"
	"interestchat/internal/server"
	"interestchat/internal/service"
	"interestchat/internal/storage"
	"interestchat/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// serve 组装全部组件并运行 HTTP 服务、过期清理与跨节点订阅，直到 ctx 结束。
func serve(ctx context.Context, cfg config.Config) error {
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	store := repository.NewGormStore(gdb)

	blobs, err := storage.New(ctx, storage.Config{
		Driver: cfg.Blob.Driver,
		Local:  storage.LocalConfig{BasePath: cfg.Blob.Dir, PublicPrefix: cfg.Blob.PublicPrefix},
		Minio: storage.MinioConfig{
			Endpoint:  cfg.Blob.MinioEndpoint,
			AccessKey: cfg.Blob.MinioAccessKey,
			SecretKey: cfg.Blob.MinioSecretKey,
			Bucket:    cfg.Blob.MinioBucket,
			UseSSL:    cfg.Blob.MinioUseSSL,
			PublicURL: cfg.Blob.MinioPublicURL,
		},
	})
	if err != nil {
		return fmt.Errorf("blob storage: %w", err)
	}

	hub := ws.NewHub()
	var publisher pubsub.Publisher = hub
	var transport *pubsub.RedisTransport
	if cfg.PubSub.Driver == "redis" {
		transport, err = pubsub.NewRedisTransport(ctx, pubsub.RedisConfig{
			Address:  cfg.PubSub.RedisAddr,
			Password: cfg.PubSub.RedisPassword,
			DB:       cfg.PubSub.RedisDB,
		})
		if err != nil {
			return err
		}
		defer transport.Close()
		publisher = transport
	}

	emitters := events.Multi{events.AuditLog{}}
	if cfg.Events.KafkaBrokers != "" {
		k := events.NewKafka(events.KafkaConfig{Brokers: cfg.Events.KafkaBrokers, Topic: cfg.Events.KafkaTopic})
		defer k.Close()
		emitters = append(emitters, k)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, gdb)
	chats := service.NewChatService(store, publisher, emitters, service.ChatOptions{
		Duration:        cfg.ChatDuration,
		MaxParticipants: cfg.MaxParticipants,
		Timeout:         cfg.StoreTimeout,
	})
	msgs := service.NewMessageService(store, publisher, blobs, cfg.StoreTimeout)
	sweeper := service.NewExpirySweeper(store, publisher, emitters, cfg.SweepInterval, cfg.StoreTimeout)
	realtime := ws.NewServer(hub, verifier, msgs, chats, ws.Options{
		SendRate:    cfg.WSSendRate,
		SendTimeout: cfg.StoreTimeout,
		CheckOrigin: mw.OriginAllowed(cfg.Env, cfg.AllowedOrigins),
	})

	router := server.SetupRouter(cfg, server.Deps{
		Verifier:  verifier,
		Users:     service.NewUserService(gdb, blobs, cfg),
		Interests: service.NewInterestService(store, cfg.StoreTimeout),
		Chats:     chats,
		Messages:  msgs,
		Realtime:  realtime,
		Presence:  hub,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server run: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	if transport != nil {
		g.Go(func() error { return transport.Run(gctx, hub.Deliver) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
