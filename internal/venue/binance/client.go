package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// apiError is the {code, msg} body the venue returns on rejected requests.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance %d: %s", e.Code, e.Msg)
}

// The venue reports a missing order as -2011 on cancels and -2013 on
// queries.
const (
	codeUnknownOrder      = -2011
	codeOrderDoesNotExist = -2013
)

func orderGone(err error) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeUnknownOrder || apiErr.Code == codeOrderDoesNotExist
}

type restClient struct {
	baseURL    string
	apiKey     string
	secret     []byte
	recvWindow int64
	http       *http.Client
}

func newRestClient(baseURL string, timeout, recvWindow time.Duration, apiKey, apiSecret string) *restClient {
	return &restClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		secret:     []byte(apiSecret),
		recvWindow: recvWindow.Milliseconds(),
		http:       &http.Client{Timeout: timeout},
	}
}

func (c *restClient) hasCredentials() bool {
	return c.apiKey != "" && len(c.secret) > 0
}

// do sends one request. Signed calls append timestamp, recvWindow, and an
// HMAC-SHA256 hex signature over the encoded query. GET and DELETE carry the
// payload in the URL, POST in a form body.
func (c *restClient) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	var payload string
	if signed {
		if !c.hasCredentials() {
			return errors.New("request requires api credentials")
		}
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
		}
		query := params.Encode()
		payload = query + "&signature=" + c.sign(query)
	} else {
		payload = params.Encode()
	}

	reqURL := c.baseURL + path
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(payload)
	} else if payload != "" {
		reqURL += "?" + payload
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != 0 {
			return &apiErr
		}
		snippet := raw
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *restClient) sign(query string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
