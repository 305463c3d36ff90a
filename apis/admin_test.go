package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alwitt/topicrelay/common"
	"github.com/alwitt/topicrelay/registry"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type fakeStateReader struct {
	subscribers []registry.SubscriberInfo
	topics      []registry.TopicInfo
	queryErr    error
	done        chan struct{}
}

func (f *fakeStateReader) ListSubscribers(ctxt context.Context) ([]registry.SubscriberInfo, error) {
	return f.subscribers, f.queryErr
}

func (f *fakeStateReader) GetSubscriber(
	ctxt context.Context, identity string,
) (registry.SubscriberInfo, error) {
	if f.queryErr != nil {
		return registry.SubscriberInfo{}, f.queryErr
	}
	for _, s := range f.subscribers {
		if s.Identity == identity {
			return s, nil
		}
	}
	return registry.SubscriberInfo{}, registry.ErrUnknownSubscriber
}

func (f *fakeStateReader) ListTopics(ctxt context.Context) ([]registry.TopicInfo, error) {
	return f.topics, f.queryErr
}

func (f *fakeStateReader) Done() <-chan struct{} {
	return f.done
}

type testResponse struct {
	Success     bool                      `json:"success"`
	RequestID   string                    `json:"request_id"`
	Subscribers []registry.SubscriberInfo `json:"subscribers"`
	Subscriber  registry.SubscriberInfo   `json:"subscriber"`
	Topics      []registry.TopicInfo      `json:"topics"`
}

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Topicrelay-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}
}

func doGet(assert *assert.Assertions, handler http.Handler, path string) (int, testResponse) {
	req, err := http.NewRequest("GET", path, nil)
	assert.Nil(err)
	testReqID := uuid.NewString()
	req.Header.Add("Topicrelay-Request-ID", testReqID)
	respRecorder := httptest.NewRecorder()
	handler.ServeHTTP(respRecorder, req)
	var msg testResponse
	assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
	// Every response is tagged with the caller's request ID
	assert.Equal(testReqID, msg.RequestID)
	assert.Equal(testReqID, respRecorder.Header().Get("Topicrelay-Request-ID"))
	return respRecorder.Code, msg
}

func TestAdminSubscriberQueries(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	state := &fakeStateReader{
		subscribers: []registry.SubscriberInfo{
			{
				Identity:      "C1",
				Online:        true,
				Connection:    "session-1",
				Subscriptions: map[string]bool{"t": true},
			},
			{
				Identity:      "C2",
				Subscriptions: map[string]bool{"t": false, "u": true},
				Pending:       3,
			},
		},
		topics: []registry.TopicInfo{
			{Topic: "t", Members: []string{"C1", "C2"}},
			{Topic: "u", Members: []string{"C2"}},
		},
		done: make(chan struct{}),
	}

	uut, err := GetAPIRestAdminHandler(state, testHTTPConfig())
	assert.Nil(err)
	router := DefineAdminRouter(uut, "/")

	// Case 0: list all subscribers
	{
		code, msg := doGet(assert, router, "/v1/admin/subscriber")
		assert.Equal(http.StatusOK, code)
		assert.True(msg.Success)
		assert.Len(msg.Subscribers, 2)
		assert.Equal("C1", msg.Subscribers[0].Identity)
		assert.True(msg.Subscribers[0].Online)
		assert.Equal(3, msg.Subscribers[1].Pending)
	}

	// Case 1: fetch one subscriber
	{
		code, msg := doGet(assert, router, "/v1/admin/subscriber/C2")
		assert.Equal(http.StatusOK, code)
		assert.True(msg.Success)
		assert.Equal("C2", msg.Subscriber.Identity)
		assert.False(msg.Subscriber.Online)
		assert.Equal(map[string]bool{"t": false, "u": true}, msg.Subscriber.Subscriptions)
	}

	// Case 2: unknown subscriber
	{
		code, msg := doGet(assert, router, "/v1/admin/subscriber/C9")
		assert.Equal(http.StatusNotFound, code)
		assert.False(msg.Success)
	}

	// Case 3: list topics
	{
		code, msg := doGet(assert, router, "/v1/admin/topic")
		assert.Equal(http.StatusOK, code)
		assert.True(msg.Success)
		assert.Equal(state.topics, msg.Topics)
	}

	// Case 4: broker query failure
	{
		state.queryErr = fmt.Errorf("dummy error")
		code, msg := doGet(assert, router, "/v1/admin/subscriber")
		assert.Equal(http.StatusInternalServerError, code)
		assert.False(msg.Success)
		code, _ = doGet(assert, router, "/v1/admin/subscriber/C1")
		assert.Equal(http.StatusInternalServerError, code)
		code, _ = doGet(assert, router, "/v1/admin/topic")
		assert.Equal(http.StatusInternalServerError, code)
	}
}

func TestAdminHealthChecks(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	state := &fakeStateReader{done: make(chan struct{})}
	uut, err := GetAPIRestAdminHandler(state, testHTTPConfig())
	assert.Nil(err)
	router := DefineAdminRouter(uut, "/admin")

	// Case 0: alive and ready while the broker runs
	{
		code, msg := doGet(assert, router, "/admin/alive")
		assert.Equal(http.StatusOK, code)
		assert.True(msg.Success)
		code, msg = doGet(assert, router, "/admin/ready")
		assert.Equal(http.StatusOK, code)
		assert.True(msg.Success)
	}

	// Case 1: not ready once the broker stopped
	{
		close(state.done)
		code, msg := doGet(assert, router, "/admin/alive")
		assert.Equal(http.StatusOK, code)
		assert.True(msg.Success)
		code, msg = doGet(assert, router, "/admin/ready")
		assert.Equal(http.StatusInternalServerError, code)
		assert.False(msg.Success)
	}
}
