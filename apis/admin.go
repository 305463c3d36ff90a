// Copyright 2022 The topicrelay Authors
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
	"errors"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/topicrelay/common"
	"github.com/alwitt/topicrelay/registry"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// BrokerStateReader read-only view of broker state
type BrokerStateReader interface {
	// ListSubscribers snapshot of all known subscribers
	ListSubscribers(ctxt context.Context) ([]registry.SubscriberInfo, error)
	// GetSubscriber snapshot of one subscriber
	GetSubscriber(ctxt context.Context, identity string) (registry.SubscriberInfo, error)
	// ListTopics snapshot of all topics with members
	ListTopics(ctxt context.Context) ([]registry.TopicInfo, error)
	// Done is closed once the broker has stopped
	Done() <-chan struct{}
}

// APIRestAdminHandler REST handler for broker administration
type APIRestAdminHandler struct {
	goutils.RestAPIHandler
	core BrokerStateReader
}

// GetAPIRestAdminHandler define APIRestAdminHandler
func GetAPIRestAdminHandler(
	core BrokerStateReader, httpConfig *common.HTTPConfig,
) (APIRestAdminHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "admin",
	}
	return APIRestAdminHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		core:           core,
	}, nil
}

// -----------------------------------------------------------------------

// APIRestRespAllSubscribers response for listing all subscribers
type APIRestRespAllSubscribers struct {
	goutils.RestAPIBaseResponse
	// Subscribers all known subscribers ordered by identity
	Subscribers []registry.SubscriberInfo `json:"subscribers"`
}

// GetAllSubscribers godoc
// @Summary Query for all subscribers
// @Description Query for the state of every subscriber known to the broker
// @tags Admin
// @Produce json
// @Param Topicrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllSubscribers "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/subscriber [get]
func (h APIRestAdminHandler) GetAllSubscribers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(
			w, respCode, respBody, requestIDHeaders(h.RestAPIHandler, r.Context()),
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subscribers, err := h.core.ListSubscribers(r.Context())
	if err != nil {
		msg := "Failed to query subscribers"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespAllSubscribers{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Subscribers: subscribers,
	}
}

// GetAllSubscribersHandler Wrapper around GetAllSubscribers
func (h APIRestAdminHandler) GetAllSubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllSubscribers(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespOneSubscriber response for querying one subscriber
type APIRestRespOneSubscriber struct {
	goutils.RestAPIBaseResponse
	// Subscriber the subscriber state
	Subscriber registry.SubscriberInfo `json:"subscriber"`
}

// GetSubscriber godoc
// @Summary Query for one subscriber
// @Description Query for the state of one subscriber
// @tags Admin
// @Produce json
// @Param Topicrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param identity path string true "Subscriber identity"
// @Success 200 {object} APIRestRespOneSubscriber "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/subscriber/{identity} [get]
func (h APIRestAdminHandler) GetSubscriber(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(
			w, respCode, respBody, requestIDHeaders(h.RestAPIHandler, r.Context()),
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	identity, ok := vars["identity"]
	if !ok {
		msg := "No subscriber identity provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, "")
		return
	}

	subscriber, err := h.core.GetSubscriber(r.Context(), identity)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownSubscriber) {
			msg := "Unknown subscriber"
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, identity)
			return
		}
		msg := "Failed to query subscriber"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneSubscriber{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Subscriber: subscriber,
	}
}

// GetSubscriberHandler Wrapper around GetSubscriber
func (h APIRestAdminHandler) GetSubscriberHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscriber(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespAllTopics response for listing all topics
type APIRestRespAllTopics struct {
	goutils.RestAPIBaseResponse
	// Topics all topics with at least one subscriber, ordered by name
	Topics []registry.TopicInfo `json:"topics"`
}

// GetAllTopics godoc
// @Summary Query for all topics
// @Description Query for every topic with its subscribers in delivery order
// @tags Admin
// @Produce json
// @Param Topicrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllTopics "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/topic [get]
func (h APIRestAdminHandler) GetAllTopics(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(
			w, respCode, respBody, requestIDHeaders(h.RestAPIHandler, r.Context()),
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	topics, err := h.core.ListTopics(r.Context())
	if err != nil {
		msg := "Failed to query topics"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespAllTopics{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Topics: topics,
	}
}

// GetAllTopicsHandler Wrapper around GetAllTopics
func (h APIRestAdminHandler) GetAllTopicsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllTopics(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For admin REST API liveness check
// @Description Will return success to indicate admin REST API module is live
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestAdminHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w,
		http.StatusOK,
		h.GetStdRESTSuccessMsg(r.Context()),
		requestIDHeaders(h.RestAPIHandler, r.Context()),
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestAdminHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For admin REST API readiness check
// @Description Will return success while the broker is running
// @tags Admin
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestAdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(
			w, respCode, respBody, requestIDHeaders(h.RestAPIHandler, r.Context()),
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	select {
	case <-h.core.Done():
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	default:
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestAdminHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// DefineAdminRouter register all admin routes under the path prefix
func DefineAdminRouter(h APIRestAdminHandler, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	subscriberRouter := RegisterPathPrefix(
		mainRouter, "/v1/admin/subscriber", MethodHandlers{
			"get": h.GetAllSubscribersHandler(),
		},
	)
	_ = RegisterPathPrefix(subscriberRouter, "/{identity}", MethodHandlers{
		"get": h.GetSubscriberHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/admin/topic", MethodHandlers{
		"get": h.GetAllTopicsHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return h.LoggingMiddleware(next.ServeHTTP)
	})
	return router
}
