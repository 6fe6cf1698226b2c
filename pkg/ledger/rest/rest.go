// Package rest is a ledger.Chaincode talking to a ledger gateway over HTTP.
//
// The gateway exposes:
//
//	GET  {base}/channels/{channel}
//	POST {base}/channels/{channel}/chaincodes/{chaincode}/query   {"fcn": ..., "args": ...}
//	POST {base}/channels/{channel}/chaincodes/{chaincode}/invoke  {"fcn": ..., "args": ...}
//	GET  {base}/channels/{channel}/transactions/{txid}
//
// Errors come back as non-2xx responses with a ledger.ChaincodeError in JSON.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	xe "github.com/opst/tuplefab/pkg/errors"
	"github.com/opst/tuplefab/pkg/ledger"
)

type Client struct {
	base      *url.URL
	channel   string
	chaincode string
	http      *http.Client
}

var _ ledger.Chaincode = &Client{}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// Dialer returns a ledger.Dialer connecting to the gateway at endpoint.
func Dialer(endpoint, channel, chaincode string, options ...Option) ledger.Dialer {
	return func(context.Context) (ledger.Chaincode, error) {
		base, err := url.Parse(endpoint)
		if err != nil {
			return nil, xe.WrapWithNote("ledger endpoint", err)
		}
		c := &Client{
			base:      base,
			channel:   channel,
			chaincode: chaincode,
			http:      &http.Client{Timeout: time.Minute},
		}
		for _, opt := range options {
			opt(c)
		}
		return c, nil
	}
}

type call struct {
	Fcn  string          `json:"fcn"`
	Args json.RawMessage `json:"args"`
}

func (c *Client) Info(ctx context.Context) (ledger.ChannelInfo, error) {
	var info ledger.ChannelInfo
	err := c.do(ctx, http.MethodGet, c.base.JoinPath("channels", c.channel), nil, &info)
	return info, err
}

func (c *Client) Query(ctx context.Context, fcn string, args []byte) ([]byte, error) {
	var payload json.RawMessage
	err := c.do(
		ctx, http.MethodPost,
		c.base.JoinPath("channels", c.channel, "chaincodes", c.chaincode, "query"),
		call{Fcn: fcn, Args: args}, &payload,
	)
	return payload, err
}

func (c *Client) Submit(ctx context.Context, fcn string, args []byte) (ledger.TxID, []byte, error) {
	var resp struct {
		TxID    ledger.TxID     `json:"txId"`
		Payload json.RawMessage `json:"payload"`
	}
	err := c.do(
		ctx, http.MethodPost,
		c.base.JoinPath("channels", c.channel, "chaincodes", c.chaincode, "invoke"),
		call{Fcn: fcn, Args: args}, &resp,
	)
	if err != nil {
		return "", nil, err
	}
	return resp.TxID, resp.Payload, nil
}

func (c *Client) CommitStatus(ctx context.Context, tx ledger.TxID) (ledger.CommitStatus, error) {
	var resp struct {
		Status ledger.CommitStatus `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, c.base.JoinPath("channels", c.channel, "transactions", string(tx)), nil, &resp)
	return resp.Status, err
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		ce := &ledger.ChaincodeError{}
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, ce); err != nil || ce.Message == "" {
			ce.Message = string(raw)
		}
		ce.Status = resp.StatusCode
		return ce
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: malformed response: %w", method, u, err)
	}
	return nil
}
