// Package msgraph reads the company directory through Microsoft
// Graph. Auth is client-credentials OAuth against the tenant's token
// endpoint; listings follow @odata.nextLink until exhausted.
package msgraph

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ii-safety/ampsync/internal/calltrack"
	"github.com/ii-safety/ampsync/internal/httpx"
	"github.com/ii-safety/ampsync/internal/metrics"
)

const (
	defaultBaseURL   = "https://graph.microsoft.com/v1.0"
	defaultScope     = "https://graph.microsoft.com/.default"
	tokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

// DirectoryUser is the slice of a Graph user the sync needs.
// EmployeeID correlates to the payroll employee number.
type DirectoryUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	EmployeeID        string `json:"employeeId"`
	AccountEnabled    bool   `json:"accountEnabled"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Config wires the client.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// BaseURL and TokenURL default to the public Graph endpoints.
	BaseURL    string
	TokenURL   string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	HTTPClient *http.Client
	Calls      *calltrack.Tracker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Client issues Graph API calls.
type Client struct {
	http   *httpx.Client
	tokens *tokenSource
	logger *slog.Logger
}

// New builds a Client from config.
func New(cfg Config) (*Client, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("msgraph: tenant id, client id and client secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = fmt.Sprintf(tokenURLTemplate, cfg.TenantID)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	tokens := &tokenSource{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        defaultScope,
		http:         cfg.HTTPClient,
		now:          time.Now,
	}

	hc, err := httpx.New(httpx.Config{
		Service:    "msgraph",
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Prepare: func(ctx context.Context, req *http.Request) error {
			tok, err := tokens.Token(ctx)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+tok)
			return nil
		},
		HTTPClient: cfg.HTTPClient,
		Calls:      cfg.Calls,
		Metrics:    cfg.Metrics,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("msgraph: %w", err)
	}
	return &Client{http: hc, tokens: tokens, logger: cfg.Logger}, nil
}

// ActiveUsers returns enabled directory users keyed by employee
// number. Users without an employee id, without a mailbox, or with
// only an onmicrosoft.com address are dropped; mail is lowercased.
func (c *Client) ActiveUsers(ctx context.Context) (map[string]DirectoryUser, error) {
	firstQuery := url.Values{
		"$select": {"id,displayName,mail,employeeId,accountEnabled,userPrincipalName"},
		"$filter": {"accountEnabled eq true"},
	}

	users, err := httpx.CollectCursor(ctx, func(ctx context.Context, after string) ([]DirectoryUser, string, error) {
		path, query := "/users", firstQuery
		if after != "" {
			// nextLink is a full URL carrying its own query.
			path, query = after, nil
		}
		var env struct {
			Value    []DirectoryUser `json:"value"`
			NextLink string          `json:"@odata.nextLink"`
		}
		if err := c.http.Get(ctx, path, query, &env); err != nil {
			return nil, "", err
		}
		return env.Value, env.NextLink, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]DirectoryUser, len(users))
	for _, u := range users {
		if !u.AccountEnabled || u.EmployeeID == "" {
			continue
		}
		mail := strings.ToLower(strings.TrimSpace(u.Mail))
		if mail == "" || strings.Contains(mail, "onmicrosoft.com") {
			continue
		}
		u.Mail = mail
		out[u.EmployeeID] = u
	}
	return out, nil
}
