// Package api is the thin HTTP client the CLI talks to the control
// plane with.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type Server struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	ClusterStatus string `json:"clusterStatus"`
}

type Unit struct {
	ID        string `json:"id"`
	ShortID   string `json:"shortId"`
	OwnerID   string `json:"ownerId"`
	ProjectID string `json:"projectId"`
	Component string `json:"component"`
	Framework string `json:"frameworkType"`
	Method    string `json:"deploymentMethod"`
	Image     string `json:"imageReference"`
	Domain    string `json:"domain"`
	Namespace string `json:"namespace"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

type TaskSnapshot struct {
	TaskID   string `json:"taskId"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Logs     string `json:"logs"`
	Error    string `json:"error,omitempty"`
}

type TaskRef struct {
	TaskID string `json:"taskId"`
}

func (c *Client) ListServers() ([]Server, error) {
	var servers []Server
	if err := c.get("/api/servers", &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

func (c *Client) RegisterServer(body string) (*Server, error) {
	var s Server
	if err := c.post("/api/servers", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) AssignServer(id, role string) (*Server, error) {
	var s Server
	if err := c.post("/api/servers/"+id+"/assign", fmt.Sprintf(`{"role":%q}`, role), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) UnassignServer(id string) (*Server, error) {
	var s Server
	if err := c.post("/api/servers/"+id+"/unassign", "{}", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) PingServer(id string) error {
	return c.post("/api/servers/"+id+"/ping", "{}", nil)
}

func (c *Client) DeleteServer(id string) error {
	return c.delete("/api/servers/" + id)
}

func (c *Client) AnsibleStep(step string) (string, error) {
	var ref TaskRef
	if err := c.post("/api/provision/ansible/"+step, "{}", &ref); err != nil {
		return "", err
	}
	return ref.TaskID, nil
}

func (c *Client) RunPlaybook(name string) (string, error) {
	var ref TaskRef
	if err := c.post("/api/provision/playbook", fmt.Sprintf(`{"name":%q}`, name), &ref); err != nil {
		return "", err
	}
	return ref.TaskID, nil
}

func (c *Client) InstallCluster() (string, error) {
	var ref TaskRef
	if err := c.post("/api/provision/cluster/install", "{}", &ref); err != nil {
		return "", err
	}
	return ref.TaskID, nil
}

func (c *Client) JoinWorkers() (string, error) {
	var ref TaskRef
	if err := c.post("/api/provision/cluster/join", "{}", &ref); err != nil {
		return "", err
	}
	return ref.TaskID, nil
}

func (c *Client) Kubeconfig() ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/api/provision/cluster/kubeconfig", nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) ProvisionState() (map[string]time.Time, error) {
	var state map[string]time.Time
	if err := c.get("/api/provision/state", &state); err != nil {
		return nil, err
	}
	return state, nil
}

func (c *Client) GetTask(id string) (*TaskSnapshot, error) {
	var snap TaskSnapshot
	if err := c.get("/api/tasks/"+id, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) ListUnits() ([]Unit, error) {
	var units []Unit
	if err := c.get("/api/units", &units); err != nil {
		return nil, err
	}
	return units, nil
}

func (c *Client) CreateUnit(body string) (*Unit, error) {
	var u Unit
	if err := c.post("/api/units", body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) GetUnit(id string) (*Unit, error) {
	var u Unit
	if err := c.get("/api/units/"+id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) ScaleUnit(id string, replicas int) (*Unit, error) {
	var u Unit
	if err := c.post("/api/units/"+id+"/scale", fmt.Sprintf(`{"replicas":%d}`, replicas), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) DeleteUnit(id string) error {
	return c.delete("/api/units/" + id)
}

// WebSocketURL derives the event hub endpoint from the base URL.
func (c *Client) WebSocketURL() string {
	url := strings.Replace(c.BaseURL, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)
	return url + "/ws"
}

func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

func (c *Client) post(path, body string, v any) error {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, v)
}

func (c *Client) delete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, v any) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(b))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
