// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package registry publishes merkle roots to the external resonance root
// registry and reads the root it currently holds.  Anchoring is idempotent
// at the client: resubmitting the last successfully anchored root returns
// the stored reference without a network call.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	// RootRoute and LatestRootRoute are the registry endpoints consumed
	// by this client.
	RootRoute       = "/v1/root"
	LatestRootRoute = "/v1/root/latest"

	// requestTimeout bounds a single registry request.
	requestTimeout = 30 * time.Second

	// breakerFailures consecutive failures open the circuit; it closes
	// again breakerTimeout after opening.
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

type anchorRequest struct {
	Root string `json:"root"`
}

type anchorReply struct {
	Ref string `json:"ref"`
}

type latestReply struct {
	Root string `json:"root"`
	Ref  string `json:"ref"`
}

// Client is a root registry client.
type Client struct {
	host   string
	client *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]

	mtx      sync.Mutex
	lastRoot [sha256.Size]byte
	lastRef  string
	haveLast bool
}

// New returns a registry client for host.  certFile optionally pins the CA
// used to verify the registry's TLS certificate.
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
		Name:    "registry",
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

// do performs a request through the circuit breaker and returns the
// response body.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	return c.cb.Execute(func() ([]byte, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method,
			c.host+path, r)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		reply, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("registry %v: %w", method, err)
		}
		defer reply.Body.Close()

		if reply.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(reply.Body, 512))
			return nil, fmt.Errorf("invalid registry answer: %v %s",
				reply.StatusCode, b)
		}
		return io.ReadAll(reply.Body)
	})
}

// SeedLastAnchor primes the idempotence state with a previously anchored
// root, typically the one recorded in the commit state before a restart.
func (c *Client) SeedLastAnchor(root *[sha256.Size]byte, ref string) {
	if root == nil || ref == "" {
		return
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.lastRoot = *root
	c.lastRef = ref
	c.haveLast = true
}

// Anchor publishes root to the registry and returns the registry reference
// for it.  Submitting the last successfully anchored root again returns the
// stored reference without touching the network.
func (c *Client) Anchor(ctx context.Context, root *[sha256.Size]byte) (string, error) {
	c.mtx.Lock()
	if c.haveLast && c.lastRoot == *root {
		ref := c.lastRef
		c.mtx.Unlock()
		log.Debugf("Anchor noop: root %x already anchored as %v",
			*root, ref)
		return ref, nil
	}
	c.mtx.Unlock()

	body, err := json.Marshal(anchorRequest{
		Root: hex.EncodeToString(root[:]),
	})
	if err != nil {
		return "", err
	}
	reply, err := c.do(ctx, http.MethodPost, RootRoute, body)
	if err != nil {
		return "", err
	}
	var ar anchorReply
	if err := json.Unmarshal(reply, &ar); err != nil {
		return "", fmt.Errorf("undecodable anchor reply: %w", err)
	}
	if ar.Ref == "" {
		return "", fmt.Errorf("registry returned empty reference")
	}

	c.mtx.Lock()
	c.lastRoot = *root
	c.lastRef = ar.Ref
	c.haveLast = true
	c.mtx.Unlock()

	log.Infof("Anchored root %x ref %v", *root, ar.Ref)

	return ar.Ref, nil
}

// LatestRoot returns the root the registry currently holds and its
// reference.  A registry that holds no root yet returns a nil root.
func (c *Client) LatestRoot(ctx context.Context) (*[sha256.Size]byte, string, error) {
	body, err := c.do(ctx, http.MethodGet, LatestRootRoute, nil)
	if err != nil {
		return nil, "", err
	}
	var reply latestReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, "", fmt.Errorf("undecodable latest reply: %w", err)
	}
	if reply.Root == "" {
		return nil, "", nil
	}
	b, err := hex.DecodeString(reply.Root)
	if err != nil || len(b) != sha256.Size {
		return nil, "", fmt.Errorf("malformed registry root %q",
			reply.Root)
	}
	var root [sha256.Size]byte
	copy(root[:], b)
	return &root, reply.Ref, nil
}
