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

package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/talkroom/common"
	"github.com/apex/log"
)

// ReadinessProbe reports whether the service's collaborators are reachable
type ReadinessProbe func(ctxt context.Context) error

// APIRestHealthHandler REST handler for health checks
type APIRestHealthHandler struct {
	goutils.RestAPIHandler
	probe ReadinessProbe
}

// GetAPIRestHealthHandler define APIRestHealthHandler
func GetAPIRestHealthHandler(
	probe ReadinessProbe, httpConfig *common.HTTPConfig,
) (APIRestHealthHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "health",
	}
	return APIRestHealthHandler{
		RestAPIHandler: getRestAPIHandlerBase(logTags, httpConfig),
		probe:          probe,
	}, nil
}

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the process is still running
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestHealthHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestHealthHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For readiness check
// @Description Will return success if the storage collaborator is reachable
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestHealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()
	if err := h.probe(r.Context()); err != nil {
		msg := "Not ready"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg, err.Error(),
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestHealthHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
