// Package backend is the gateway's HTTP view of the business backend: token
// introspection and synchronous action forwarding.
package backend

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"PPGateway/tools/errs"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	PathValidateToken = "/auth/validate-token"
	PathMessage       = "/websocket/message"
)

type Options struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	http    *resty.Client
	timeout time.Duration
}

// Introspection is the backend's answer to a token check.
type Introspection struct {
	Valid bool           `json:"valid"`
	User  map[string]any `json:"user,omitempty"`
}

// UserID returns user.id as a string; numeric ids are formatted without exponent.
func (i *Introspection) UserID() string {
	if i == nil || i.User == nil {
		return ""
	}
	switch v := i.User["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return strings.Trim(string(b), `"`)
	}
}

// ActionRequest is the body POSTed to the message endpoint.
type ActionRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	UserID string          `json:"userId"`
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: hc, timeout: opts.Timeout}
}

// ValidateToken asks the backend whether token is valid. Any transport error,
// timeout or non-2xx answer is an error; a 2xx answer is returned as-is.
func (c *Client) ValidateToken(ctx context.Context, token string) (*Introspection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &Introspection{}
	resp, err := c.request(ctx).
		SetBody(map[string]string{"token": token}).
		SetResult(out).
		Post(PathValidateToken)
	if err != nil {
		return nil, errs.ErrBackendUnavailable.WrapMsg(err.Error(), "path", PathValidateToken)
	}
	if !resp.IsSuccess() {
		return nil, errs.ErrBackendStatus.WrapMsg("", "path", PathValidateToken, "status", resp.StatusCode())
	}
	return out, nil
}

// Forward relays an action on behalf of userID. A JSON body is returned
// verbatim whatever the status code, so backend-side errors reach the client
// in the backend's own shape.
func (c *Client) Forward(ctx context.Context, token string, req ActionRequest) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if len(req.Data) == 0 {
		req.Data = json.RawMessage("{}")
	}
	resp, err := c.request(ctx).
		SetAuthToken(token).
		SetBody(req).
		Post(PathMessage)
	if err != nil {
		return nil, errs.ErrBackendUnavailable.WrapMsg(err.Error(), "path", PathMessage)
	}
	body := resp.Body()
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body), nil
	}
	return nil, errs.ErrBackendStatus.WrapMsg("non-JSON response", "path", PathMessage, "status", resp.StatusCode())
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString())
}
