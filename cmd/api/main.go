/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redisutil "github.com/kthomas/go-redisutil"
	"github.com/provideplatform/custody/common"
	"github.com/provideplatform/custody/escrow"
	"github.com/provideplatform/custody/token"
	provide "github.com/provideplatform/provide-go/common"
)

const runloopSleepInterval = 250 * time.Millisecond
const requestTimeout = time.Second * 10

var (
	cancelF     context.CancelFunc
	closing     uint32
	shutdownCtx context.Context
	sigs        chan os.Signal

	srv *http.Server
)

func main() {
	common.Log.Debugf("starting custody API...")
	redisutil.RequireRedis()
	installSignalHandlers()

	serveAPI()

	timer := time.NewTicker(runloopSleepInterval)
	defer timer.Stop()

	for !shuttingDown() {
		select {
		case <-timer.C:
			// tick... no-op
		case sig := <-sigs:
			common.Log.Debugf("received signal: %s", sig)
			shutdown()
		case <-shutdownCtx.Done():
			close(sigs)
		}
	}

	common.Log.Debug("exiting custody API")
	cancelF()
}

func installSignalHandlers() {
	common.Log.Debug("installing signal handlers for custody API")
	sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	shutdownCtx, cancelF = context.WithCancel(context.Background())
}

func shutdown() {
	if atomic.CompareAndSwapUint32(&closing, 0, 1) {
		common.Log.Debug("shutting down custody API")
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		srv.Shutdown(ctx)
		cancelF()
	}
}

func shuttingDown() bool {
	return atomic.LoadUint32(&closing) > 0
}

func serveAPI() {
	r := gin.New()
	r.Use(gin.Recovery())

	token.InstallAPI(r)
	escrow.InstallAPI(r)

	r.GET("/status", statusHandler)

	srv = &http.Server{
		Addr:    common.ListenAddr,
		Handler: r,
	}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			common.Log.Panicf("failed to serve custody API; %s", err.Error())
		}
	}()

	common.Log.Debugf("custody API listening on %s", common.ListenAddr)
}

func statusHandler(c *gin.Context) {
	provide.Render(nil, 204, c)
}
