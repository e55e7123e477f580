// Copyright 2026 The talkroom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/talkroom/apis"
	"github.com/alwitt/talkroom/auth"
	"github.com/alwitt/talkroom/common"
	"github.com/alwitt/talkroom/core"
	"github.com/alwitt/talkroom/fanout"
	"github.com/alwitt/talkroom/membership"
	"github.com/alwitt/talkroom/pipeline"
	"github.com/alwitt/talkroom/registry"
	"github.com/alwitt/talkroom/storage"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the talkroom server
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Collaborators

	store, err := storage.CreatePostgresBackedStorage(
		runTimeContext, config.Storage.PostgresURI,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define storage driver")
		return err
	}
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: config.Cache.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Redis client close failed")
		}
	}()
	roomCache, err := membership.GetRedisRoomCache(
		redisClient, time.Second*time.Duration(config.Cache.TTL),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define room cache")
		return err
	}

	oracle, err := membership.GetMembershipOracle(roomCache, store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define membership oracle")
		return err
	}
	if err := oracle.StartEventListener(runTimeContext, natsClient, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to watch membership events")
		return err
	}

	tokens, err := auth.GetTokenValidator(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token validator")
		return err
	}

	// -------------------------------------------------------------------
	// Core components

	connRegistry, err := registry.CreateConnectionRegistry()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	broadcaster, err := fanout.CreateBroadcaster(connRegistry, config.Fanout)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}

	heartbeat, err := fanout.CreateHeartbeatMonitor(
		runTimeContext, connRegistry, broadcaster, config.Heartbeat, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat monitor")
		return err
	}
	if err := heartbeat.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start heartbeat monitor")
		return err
	}
	defer func() {
		_ = heartbeat.Stop()
	}()

	msgPipeline, err := pipeline.CreateMessagePipeline(
		store, oracle, broadcaster, config.Message, config.Storage,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message pipeline")
		return err
	}

	// -------------------------------------------------------------------
	// HTTP handlers

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	talkHandler, err := apis.GetAPIRestTalkHandler(
		localCtxt,
		tokens,
		store,
		oracle,
		connRegistry,
		broadcaster,
		msgPipeline,
		&config.HTTPSetting,
		config.Fanout,
		config.Storage,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define talk HTTP handler")
		return err
	}
	broadcaster.SetEvictionObserver(talkHandler.AnnounceDeparture)

	healthHandler, err := apis.GetAPIRestHealthHandler(store.Ready, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, "/", nil)

	// Talk session
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/talk", map[string]http.HandlerFunc{
		"get": talkHandler.TalkHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": healthHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": healthHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(healthHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Tear down every remaining connection
	for _, conn := range connRegistry.Close() {
		_ = conn.SetState(registry.StateClosing)
		notice := common.DisconnectFrame("server-shutdown")
		if err := conn.Transport().Close(&notice); err != nil {
			log.WithError(err).WithFields(logTags).
				WithField("connection", conn.ID()).
				Debug("Transport close failed during shutdown")
		}
		_ = conn.SetState(registry.StateClosed)
	}

	return nil
}
