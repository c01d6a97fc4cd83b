// Package client is a Go consumer of the SweetBlog API. It carries the same
// anonymous device identity the web frontend carries: the identifier is
// persisted redundantly across local state files and an optional Redis
// backend, reconciled into one canonical cookie value before requests go out.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"sweetblog/internal/identity"
	"sweetblog/internal/util"
)

// Options configures a Client. BaseURL is required.
type Options struct {
	BaseURL string
	// StateDir holds the cookie jar and identity state files. Defaults to a
	// sweetblog directory under the user cache dir.
	StateDir string
	// RedisURL enables the device-wide identity backend when set.
	RedisURL   string
	HTTPClient *http.Client
	Logger     *log.Logger
	// Identity overrides the identity configuration. Zero value means
	// identity.DefaultConfig.
	Identity identity.Config
}

type Client struct {
	baseURL    string
	http       *http.Client
	cfg        identity.Config
	canon      *identity.CookieStore
	session    *identity.Session
	logger     *log.Logger
	token      string
	refreshTok string
}

// APIError is a non-2xx response decoded from the API error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Reactions is the aggregate reaction state for one article as seen by this
// device.
type Reactions struct {
	ArticleID string `json:"articleId"`
	Likes     int    `json:"likes"`
	Dislikes  int    `json:"dislikes"`
	Liked     bool   `json:"liked"`
	Disliked  bool   `json:"disliked"`
}

type Comment struct {
	ID        string  `json:"id"`
	ArticleID string  `json:"articleId"`
	ParentID  *string `json:"parentId"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"createdAt"`
}

type CommentList struct {
	ArticleID string    `json:"articleId"`
	Count     int       `json:"count"`
	Comments  []Comment `json:"comments"`
}

type Session struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	ExpiresAt    int64  `json:"expiresAt"`
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("client: BaseURL is required")
	}

	stateDir := opts.StateDir
	if stateDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("client: resolve state dir: %w", err)
		}
		stateDir = filepath.Join(cacheDir, "sweetblog")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("client: create state dir: %w", err)
	}

	cfg := opts.Identity
	if cfg.Key == "" {
		cfg = identity.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	canon := identity.NewCookieStore(filepath.Join(stateDir, "cookies.json"), cfg.CookieName)

	backends := []identity.Adapter{
		{
			Descriptor: identity.Descriptor{Name: "local", Capability: identity.Synchronous, Scope: identity.ScopeOrigin},
			Backend:    identity.NewFileBackend(filepath.Join(stateDir, "local_state.json")),
		},
		{
			Descriptor: identity.Descriptor{Name: "session", Capability: identity.Synchronous, Scope: identity.ScopeSession},
			Backend:    identity.NewMemoryBackend(),
		},
	}
	if strings.TrimSpace(opts.RedisURL) != "" {
		redisBackend, err := identity.NewRedisBackend(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("client: redis backend: %w", err)
		}
		backends = append(backends, identity.Adapter{
			Descriptor: identity.Descriptor{Name: "device", Capability: identity.Asynchronous, Scope: identity.ScopeDevice},
			Backend:    redisBackend,
		})
	}
	backends = append(backends, identity.Adapter{
		Descriptor: identity.Descriptor{Name: "page", Capability: identity.Synchronous, Scope: identity.ScopeEphemeral},
		Backend:    identity.NewMemoryBackend(),
	})

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		cfg:     cfg,
		canon:   canon,
		session: identity.NewSession(cfg, canon, backends, nil, logger),
		logger:  logger,
	}, nil
}

// Activate reconciles the stored device identity. Call it once before making
// requests; it is also re-run internally after the server hands out a fresh
// device cookie so every backend converges on the new value.
func (c *Client) Activate(ctx context.Context) (identity.Decision, error) {
	return c.session.Activate(ctx)
}

// DeviceID returns the canonical device identifier, if one is known.
func (c *Client) DeviceID() (string, bool) {
	return c.session.DeviceID()
}

func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if deviceID, ok := c.DeviceID(); ok {
		req.AddCookie(&http.Cookie{Name: c.cfg.CookieName, Value: deviceID})
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.adoptServerCookie(ctx, resp)

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Error
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
	}
	return nil
}

// adoptServerCookie picks up a device cookie issued by the server. The value
// becomes canonical and a reconciliation pass fans it out to the backends.
func (c *Client) adoptServerCookie(ctx context.Context, resp *http.Response) {
	for _, cookie := range resp.Cookies() {
		if cookie.Name != c.cfg.CookieName || cookie.Value == "" {
			continue
		}
		current, ok := c.canon.Get()
		if ok && current == cookie.Value {
			return
		}
		if err := c.canon.Set(cookie.Value, c.cfg.CookieTTL); err != nil {
			c.logger.Printf("client: cannot store device cookie: %v", err)
			return
		}
		if _, err := c.session.Activate(ctx); err != nil {
			c.logger.Printf("client: reconcile after cookie adoption: %v", err)
		}
		return
	}
}

// RequestCode asks for a login code to be mailed. The returned string is
// non-empty only against dev servers that run without SMTP.
func (c *Client) RequestCode(ctx context.Context, email string) (string, error) {
	var out struct {
		DevCode string `json:"devCode"`
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/code/request", map[string]string{"email": email}, &out)
	return out.DevCode, err
}

// VerifyCode exchanges an emailed code for a session. The client keeps the
// tokens and sends them on subsequent requests.
func (c *Client) VerifyCode(ctx context.Context, email, code string) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/api/auth/code/verify", map[string]string{
		"email": email,
		"code":  code,
	}, &session)
	if err != nil {
		return Session{}, err
	}
	c.token = session.Token
	c.refreshTok = session.RefreshToken
	return session, nil
}

// RefreshSession rotates the refresh token and replaces the access token.
func (c *Client) RefreshSession(ctx context.Context) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/api/session/refresh", map[string]string{
		"refreshToken": c.refreshTok,
	}, &session)
	if err != nil {
		return Session{}, err
	}
	c.token = session.Token
	c.refreshTok = session.RefreshToken
	return session, nil
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/session/logout", map[string]string{
		"refreshToken": c.refreshTok,
	}, nil)
	c.token = ""
	c.refreshTok = ""
	return err
}

func (c *Client) SetNewsletter(ctx context.Context, optIn bool) error {
	return c.do(ctx, http.MethodPut, "/api/profile/newsletter", map[string]bool{"optIn": optIn}, nil)
}

func (c *Client) Reactions(ctx context.Context, articleID int64) (Reactions, error) {
	var out Reactions
	err := c.do(ctx, http.MethodGet, articlePath(articleID, "reactions"), nil, &out)
	return out, err
}

// React toggles a reaction, one of "like" or "dislike".
func (c *Client) React(ctx context.Context, articleID int64, reaction string) (Reactions, error) {
	var out Reactions
	err := c.do(ctx, http.MethodPost, articlePath(articleID, "reactions"), map[string]string{"reaction": reaction}, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, articleID int64) error {
	return c.do(ctx, http.MethodPost, articlePath(articleID, "read"), nil, nil)
}

func (c *Client) Comments(ctx context.Context, articleID int64) (CommentList, error) {
	var out CommentList
	err := c.do(ctx, http.MethodGet, articlePath(articleID, "comments"), nil, &out)
	return out, err
}

// Comment posts a comment. An empty parentID attaches it to the article's
// top level.
func (c *Client) Comment(ctx context.Context, articleID int64, content, parentID string) (Comment, error) {
	var out Comment
	err := c.do(ctx, http.MethodPost, articlePath(articleID, "comments"), map[string]string{
		"content":  content,
		"parentId": parentID,
	}, &out)
	return out, err
}

func articlePath(articleID int64, action string) string {
	return "/api/articles/" + util.ToHex(articleID) + "/" + action
}
