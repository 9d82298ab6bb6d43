// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package feed queries the upstream confirmation event feed for its current
// position and for ranges of confirmed transfers.  The client carries a
// circuit breaker so a struggling feed sheds load quickly; retry cadence is
// owned by the caller.
package feed

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	// PositionRoute and TransfersRoute are the feed endpoints consumed by
	// this client.
	PositionRoute  = "/api/v1/position"
	TransfersRoute = "/api/v1/transfers"

	// requestTimeout bounds a single feed request.
	requestTimeout = 30 * time.Second

	// breakerFailures consecutive failures open the circuit; it closes
	// again breakerTimeout after opening.
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

// Transfer is one confirmed transfer event reported by the feed.
type Transfer struct {
	Ref      string `json:"ref"`
	From     string `json:"from"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Position uint64 `json:"position"`
}

type positionReply struct {
	Position uint64 `json:"position"`
}

type transfersReply struct {
	Transfers []Transfer `json:"transfers"`
}

// Client is a confirmation event feed client.
type Client struct {
	host   string
	client *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]
}

// New returns a feed client for host.  certFile optionally pins the CA used
// to verify the feed's TLS certificate.
func New(host, certFile string) (*Client, error) {
	tlsConfig := &tls.Config{}
	if certFile != "" {
		pem, err := os.ReadFile(certFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("unparsable certificate %v",
				certFile)
		}
		tlsConfig.RootCAs = pool
	}

	c := &Client{
		host: strings.TrimSuffix(host, "/"),
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
	}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "feed",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("Circuit breaker %v: %v -> %v", name, from,
				to)
		},
	})

	return c, nil
}

// get performs a GET through the circuit breaker and returns the response
// body.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.cb.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.host+path, nil)
		if err != nil {
			return nil, err
		}
		r, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("feed get: %w", err)
		}
		defer r.Body.Close()

		if r.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 512))
			return nil, fmt.Errorf("invalid feed answer: %v %s",
				r.StatusCode, body)
		}
		return io.ReadAll(r.Body)
	})
}

// Position returns the feed's current position.
func (c *Client) Position(ctx context.Context) (uint64, error) {
	body, err := c.get(ctx, PositionRoute)
	if err != nil {
		return 0, err
	}
	var reply positionReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return 0, fmt.Errorf("undecodable position reply: %w", err)
	}
	return reply.Position, nil
}

// Transfers returns the confirmed transfers in the inclusive position range
// [start, end], ordered by position.
func (c *Client) Transfers(ctx context.Context, start, end uint64) ([]Transfer, error) {
	if start > end {
		return nil, fmt.Errorf("invalid range %v..%v", start, end)
	}
	body, err := c.get(ctx, fmt.Sprintf("%v?start=%v&end=%v",
		TransfersRoute, start, end))
	if err != nil {
		return nil, err
	}
	var reply transfersReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("undecodable transfers reply: %w", err)
	}

	// Transfers apply in position order regardless of feed ordering.
	transfers := reply.Transfers
	sort.SliceStable(transfers, func(i, j int) bool {
		return transfers[i].Position < transfers[j].Position
	})
	for _, t := range transfers {
		if t.Position < start || t.Position > end {
			return nil, fmt.Errorf("transfer %v outside range "+
				"%v..%v", t.Position, start, end)
		}
	}

	log.Tracef("Transfers %v..%v: %v events", start, end, len(transfers))

	return transfers, nil
}
