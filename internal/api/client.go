// Package api is the HTTP client for the chart prediction backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	PathRegister = "/api/register"
	PathLogin    = "/api/login"
	PathPredict  = "/api/predict"
	PathHistory  = "/api/history"

	// MaxImageSize caps downloads of annotated and uploaded images (20MB).
	MaxImageSize = 20 * 1024 * 1024
)

type ClientOpts struct {
	BaseURL string
	Timeout time.Duration
	// MaxImageSize overrides the default image download cap.
	MaxImageSize int
}

// Client talks to the prediction backend. It holds no session state: the
// bearer token is passed per call by the caller that owns the session.
type Client struct {
	httpClient *resty.Client
	maxImage   int
	baseURL    string
}

func NewClient(opts ClientOpts) *Client {
	c := Client{baseURL: opts.BaseURL, maxImage: opts.MaxImageSize}
	if c.maxImage <= 0 {
		c.maxImage = MaxImageSize
	}
	c.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(c.baseURL).
		SetHeaders(
			map[string]string{
				"Accept":     "application/json",
				"User-Agent": "smc-predict/1",
			},
		)
	if opts.Timeout > 0 {
		c.httpClient.SetTimeout(opts.Timeout)
	}

	return &c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) req(ctx context.Context, token string) *resty.Request {
	request := c.httpClient.R().SetContext(ctx)
	if token != "" {
		request.SetAuthToken(token)
	}
	return request
}

// Register creates an account. The response body is ignored on success.
func (c *Client) Register(ctx context.Context, creds Credentials) error {
	_, err := handleError(c.req(ctx, "").
		SetBody(creds).
		Post(PathRegister))
	return err
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, creds Credentials) (string, error) {
	res, err := handleError(c.req(ctx, "").
		SetBody(creds).
		Post(PathLogin))
	if err != nil {
		return "", err
	}

	var tok TokenResponse
	if err := decode(res, &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("login response has no access_token")
	}
	return tok.AccessToken, nil
}

// Predict uploads file as the multipart field "file". token may be empty for
// an anonymous upload.
func (c *Client) Predict(ctx context.Context, token string, file File) (*Prediction, error) {
	contentType := file.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(file.Data)
	}

	log.Debug().Str("file", file.Name).Int("size", file.Size()).Bool("authenticated", token != "").Msg("uploading chart")

	res, err := handleError(c.req(ctx, token).
		SetMultipartField("file", file.Name, contentType, bytes.NewReader(file.Data)).
		Post(PathPredict))
	if err != nil {
		return nil, err
	}

	var pred Prediction
	if err := decode(res, &pred); err != nil {
		return nil, err
	}
	return &pred, nil
}

// History returns the uploads recorded for the token's user.
func (c *Client) History(ctx context.Context, token string) ([]Upload, error) {
	res, err := handleError(c.req(ctx, token).Get(PathHistory))
	if err != nil {
		return nil, err
	}

	var uploads []Upload
	if err := decode(res, &uploads); err != nil {
		return nil, err
	}
	if uploads == nil {
		uploads = []Upload{}
	}
	return uploads, nil
}

// FetchImage downloads an image referenced by a prediction or history record,
// such as "/api/annotated/annot_x.png". Absolute URLs are used as is.
func (c *Client) FetchImage(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("no image path")
	}
	res, err := handleError(c.req(ctx, "").
		SetHeader("Accept", "image/*").
		SetResponseBodyLimit(c.maxImage).
		Get(path))
	if err != nil {
		if errors.Is(err, resty.ErrResponseBodyTooLarge) {
			return nil, fmt.Errorf("image larger than %d bytes: %w", c.maxImage, err)
		}
		return nil, err
	}
	return res.Body(), nil
}

func decode(res *resty.Response, dest any) error {
	if err := json.Unmarshal(res.Body(), dest); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", res.Request.URL, err)
	}
	return nil
}

// handleError turns non-2xx responses into a *StatusError carrying the
// response body. Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if !res.IsSuccess() {
		return res, &StatusError{
			Method:     res.Request.Method,
			Path:       res.Request.URL,
			StatusCode: res.StatusCode(),
			Body:       res.String(),
		}
	}

	return res, nil
}
