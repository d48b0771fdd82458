// Package ticket looks up the issue tracker ticket associated with an app,
// for the `GET /apps/tickets/` endpoint. No third-party Jira client appears
// anywhere in the reference corpus, so this is a deliberately small
// hand-rolled net/http client against Jira's REST API rather than an
// adopted library (DESIGN.md records the justification).
package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chiwei-platform/fleetform/internal/config"
)

// Ticket is the shape returned by GET /apps/tickets/, per app.
type Ticket struct {
	Link    string `json:"link"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
}

// Client queries Jira for the issue labelled with an app's name, the
// convention fleetform uses to associate an app with a tracked ticket.
type Client struct {
	cfg    config.JiraConfig
	client *http.Client
}

func New(cfg config.JiraConfig) *Client {
	return &Client{cfg: cfg, client: &http.Client{Timeout: 5 * time.Second}}
}

type searchResponse struct {
	Issues []struct {
		Key    string `json:"key"`
		Fields struct {
			Summary string `json:"summary"`
			Status  struct {
				Name string `json:"name"`
			} `json:"status"`
		} `json:"fields"`
	} `json:"issues"`
}

// Fetch returns the ticket labelled with appName, or nil if none exists.
func (c *Client) Fetch(ctx context.Context, appName string) (*Ticket, error) {
	jql := fmt.Sprintf("project=%s AND labels=%s ORDER BY updated DESC", c.cfg.Project, appName)
	endpoint := fmt.Sprintf("https://%s/rest/api/2/search?jql=%s&maxResults=1", c.cfg.Host, url.QueryEscape(jql))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jira search for %s: %w", appName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jira search for %s: status %d", appName, resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Issues) == 0 {
		return nil, nil
	}
	issue := parsed.Issues[0]
	return &Ticket{
		Link:    fmt.Sprintf("https://%s/browse/%s", c.cfg.Host, issue.Key),
		Summary: issue.Fields.Summary,
		Status:  issue.Fields.Status.Name,
	}, nil
}

// FetchAll queries every appName concurrently-unsafe but sequentially
// simple client one at a time; app counts are small enough that this never
// needs a worker pool.
func (c *Client) FetchAll(ctx context.Context, appNames []string) (map[string]Ticket, error) {
	out := make(map[string]Ticket, len(appNames))
	for _, name := range appNames {
		t, err := c.Fetch(ctx, name)
		if err != nil {
			return nil, err
		}
		if t != nil {
			out[name] = *t
		}
	}
	return out, nil
}
