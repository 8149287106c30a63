package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/computersciencehouse/rankit/config"
	"github.com/computersciencehouse/rankit/database"
	"github.com/computersciencehouse/rankit/session"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T) *Components {
	t.Helper()
	cfg := &config.Config{
		ServerConfig: config.ServerConfig{Port: 8080, Mode: "test"},
		StorageConfig: config.StorageConfig{Driver: config.DriverMemory},
		PollConfig:    config.PollConfig{Duration: time.Hour},
		AuthConfig:    config.AuthConfig{Secret: "test-secret"},
		BrokerConfig:  config.BrokerConfig{Patience: time.Second, Buffer: 32},
	}
	components := Wire(cfg, database.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	go components.Broker.Listen(ctx)
	t.Cleanup(cancel)
	return components
}

func perform(t *testing.T, components *Components, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	components.Engine.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) PollResponse {
	t.Helper()
	var resp PollResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func createPoll(t *testing.T, components *Components) PollResponse {
	t.Helper()
	w := perform(t, components, http.MethodPost, "/api/polls", CreatePollRequest{Topic: "Lunch", VotesPerVoter: 1, Name: "Ada"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeResponse(t, w)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestCreatePoll(t *testing.T) {
	components := setupServer(t)

	resp := createPoll(t, components)
	require.NotNil(t, resp.Poll)
	assert.Len(t, resp.Poll.Id, 6)
	assert.Equal(t, "Lunch", resp.Poll.Topic)
	assert.Empty(t, resp.Poll.Participants)

	claims, err := components.Tokens.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, resp.Poll.Id, claims.PollId)
	assert.Equal(t, resp.Poll.AdminId, claims.UserId())
	assert.Equal(t, "Ada", claims.Name)
}

func TestCreatePollValidation(t *testing.T) {
	components := setupServer(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty body", nil},
		{"missing topic", CreatePollRequest{VotesPerVoter: 1, Name: "Ada"}},
		{"too many votes", CreatePollRequest{Topic: "Lunch", VotesPerVoter: 6, Name: "Ada"}},
		{"long name", CreatePollRequest{Topic: "Lunch", VotesPerVoter: 1, Name: "Adalovelace-Byron-King-Noel"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := perform(t, components, http.MethodPost, "/api/polls", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), `"type":"BadRequest"`)
		})
	}
}

func TestJoinPoll(t *testing.T) {
	components := setupServer(t)
	created := createPoll(t, components)

	w := perform(t, components, http.MethodPost, "/api/polls/join", JoinPollRequest{PollId: created.Poll.Id, Name: "Bob"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	joined := decodeResponse(t, w)

	claims, err := components.Tokens.Verify(joined.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, created.Poll.Id, claims.PollId)
	assert.NotEqual(t, created.Poll.AdminId, claims.UserId())

	w = perform(t, components, http.MethodPost, "/api/polls/join", JoinPollRequest{PollId: "ZZZZZZ", Name: "Bob"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = perform(t, components, http.MethodPost, "/api/polls/join", JoinPollRequest{PollId: "short", Name: "Bob"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRejoinPoll(t *testing.T) {
	components := setupServer(t)
	created := createPoll(t, components)

	w := perform(t, components, http.MethodPost, "/api/polls/rejoin", nil, bearer(created.AccessToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Ada", decodeResponse(t, w).Poll.Participants[created.Poll.AdminId])

	w = perform(t, components, http.MethodPost, "/api/polls/rejoin", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCommands(t *testing.T) {
	components := setupServer(t)
	created := createPoll(t, components)
	claims, err := components.Tokens.Verify(created.AccessToken)
	require.NoError(t, err)

	s, err := components.Protocol.Admit(context.Background(), session.Identity{
		UserId: claims.UserId(),
		PollId: claims.PollId,
		Name:   claims.Name,
	})
	require.NoError(t, err)
	headers := bearer(created.AccessToken)
	headers[ConnectionHeader] = s.Id

	w := perform(t, components, http.MethodPost, "/api/polls/commands/nominate", map[string]string{"text": "Pizza"}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decodeResponse(t, w).Poll.Nominations, 1)

	// The token may travel in the body alongside the payload.
	w = perform(t, components, http.MethodPost, "/api/polls/commands/nominate",
		map[string]string{"text": "Tacos", "accessToken": created.AccessToken},
		map[string]string{ConnectionHeader: s.Id})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decodeResponse(t, w).Poll.Nominations, 2)

	w = perform(t, components, http.MethodPost, "/api/polls/commands/start_vote", nil, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeResponse(t, w).Poll.HasStarted)

	w = perform(t, components, http.MethodPost, "/api/polls/commands/nominate", map[string]string{"text": "Sushi"}, headers)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = perform(t, components, http.MethodPost, "/api/polls/commands/dance", nil, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(t, components, http.MethodPost, "/api/polls/commands/cancel_poll", nil, headers)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCommandsNeedALiveConnection(t *testing.T) {
	components := setupServer(t)
	created := createPoll(t, components)

	w := perform(t, components, http.MethodPost, "/api/polls/commands/start_vote", nil, bearer(created.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	headers := bearer(created.AccessToken)
	headers[ConnectionHeader] = "not-a-connection"
	w = perform(t, components, http.MethodPost, "/api/polls/commands/start_vote", nil, headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNoRoute(t *testing.T) {
	components := setupServer(t)

	w := perform(t, components, http.MethodGet, "/api/nothing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
