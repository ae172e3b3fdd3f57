// Package client is a thin Go client for the Surge REST API, used by
// surgectl.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/surgeproject/surge/internal/common/auth"
	"github.com/surgeproject/surge/internal/surge/domain"
)

// ConnectionDetails identifies the API endpoint and the principal the
// client acts as.
type ConnectionDetails struct {
	URL  string
	User string
	Org  string
	Role string
}

type Client struct {
	connection ConnectionDetails
	http       *http.Client
}

func New(connection ConnectionDetails) *Client {
	return &Client{
		connection: connection,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) CreateDefinition(definition *domain.TestDefinition) (*domain.TestDefinition, error) {
	created := &domain.TestDefinition{}
	err := c.do(http.MethodPost, "/api/v1/definitions", definition, created)
	return created, err
}

func (c *Client) GetDefinition(id string) (*domain.TestDefinition, error) {
	definition := &domain.TestDefinition{}
	err := c.do(http.MethodGet, "/api/v1/definitions/"+id, nil, definition)
	return definition, err
}

func (c *Client) StartExecution(definitionID string) (*domain.TestExecution, error) {
	execution := &domain.TestExecution{}
	err := c.do(http.MethodPost, "/api/v1/definitions/"+definitionID+"/start", nil, execution)
	return execution, err
}

func (c *Client) GetExecution(id string) (*domain.TestExecution, error) {
	execution := &domain.TestExecution{}
	err := c.do(http.MethodGet, "/api/v1/executions/"+id, nil, execution)
	return execution, err
}

func (c *Client) AbortExecution(id string, reason string) error {
	return c.do(http.MethodPost, "/api/v1/executions/"+id+"/abort", map[string]string{"reason": reason}, nil)
}

func (c *Client) GetExecutionMetrics(id string) (*domain.MetricSnapshot, error) {
	snapshot := &domain.MetricSnapshot{}
	err := c.do(http.MethodGet, "/api/v1/executions/"+id+"/metrics", nil, snapshot)
	return snapshot, err
}

func (c *Client) SetKillSwitch(active bool) error {
	return c.do(http.MethodPut, "/api/v1/admin/killswitch", map[string]bool{"active": active}, nil)
}

// WatchTelemetry streams live metric snapshots for a running execution,
// invoking onSnapshot for each one until the stream is closed by the
// server or onSnapshot returns false.
func (c *Client) WatchTelemetry(executionID string, onSnapshot func(snapshot *domain.MetricSnapshot) bool) error {
	wsURL := strings.Replace(c.connection.URL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	conn, response, err := websocket.DefaultDialer.Dial(
		wsURL+"/api/v1/executions/"+executionID+"/telemetry", c.headers())
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return readAPIError(response)
		}
		return errors.WithMessage(err, "failed to connect to telemetry stream")
	}
	defer conn.Close()

	for {
		snapshot := &domain.MetricSnapshot{}
		if err := conn.ReadJSON(snapshot); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if !onSnapshot(snapshot) {
			return nil
		}
	}
}

func (c *Client) do(method string, path string, body interface{}, into interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequest(method, c.connection.URL+path, reader)
	if err != nil {
		return err
	}
	request.Header = c.headers()
	request.Header.Set("Content-Type", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 {
		return readAPIError(response)
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(into)
}

func (c *Client) headers() http.Header {
	headers := http.Header{}
	headers.Set(auth.UserHeader, c.connection.User)
	headers.Set(auth.OrgHeader, c.connection.Org)
	headers.Set(auth.RoleHeader, c.connection.Role)
	return headers
}

func readAPIError(response *http.Response) error {
	payload := struct {
		Error string `json:"error"`
	}{}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil || payload.Error == "" {
		return fmt.Errorf("request failed with status %d", response.StatusCode)
	}
	return fmt.Errorf("request failed with status %d: %s", response.StatusCode, payload.Error)
}
