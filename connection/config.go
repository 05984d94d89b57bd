// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package connection defines ConnectionConfig (spec.md §3) — the
// host-authored, persisted description of a single server connection — and
// builds the concrete transport.Transport it describes.
package connection

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mcpstudio/engine/config"
	"github.com/mcpstudio/engine/process"
	"github.com/mcpstudio/engine/studioerr"
	"github.com/mcpstudio/engine/transport"
)

// Descriptor is the tagged-union transport configuration a ConnectionConfig
// carries (spec.md §3: "a tagged union over the supported transport
// kinds"). Exactly one of the kind-specific fields matching Kind is set.
type Descriptor struct {
	Kind transport.Kind

	Stdio     *StdioDescriptor
	HTTP      *HTTPDescriptor
	WebSocket *WebSocketDescriptor
	TCP       *TCPDescriptor
	Unix      *UnixDescriptor
}

// StdioDescriptor spawns a local child process.
type StdioDescriptor struct {
	Command    string
	Args       []string
	WorkingDir string
}

// HTTPDescriptor dials a streamable-HTTP MCP server.
type HTTPDescriptor struct {
	URL        string
	Headers    map[string]string
	BearerAuth bool // not read by BuildTransport, which sets no oauth2 TokenSource; Authorization comes from Headers only
}

// WebSocketDescriptor dials a WebSocket MCP server.
type WebSocketDescriptor struct {
	URL     string
	Headers map[string]string
}

// TCPDescriptor dials a length-prefixed TCP MCP server.
type TCPDescriptor struct {
	Host string
	Port int
}

// UnixDescriptor dials a length-prefixed Unix domain socket MCP server.
type UnixDescriptor struct {
	Path string
}

// Config is the persisted description of one server connection (spec.md
// §3 ConnectionConfig): a stable id, display metadata, the transport
// descriptor, and environment overrides layered onto a stdio child's
// inherited environment.
type Config struct {
	ID          uuid.UUID
	Name        string
	Description string
	Transport   Descriptor
	Environment map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// New constructs a Config with a fresh id and both timestamps set to now.
func New(name string, d Descriptor, env map[string]string) *Config {
	now := time.Now()
	return &Config{
		ID:          uuid.New(),
		Name:        name,
		Transport:   d,
		Environment: env,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// noisyStdioEnv lists environment variables known to make common CLI
// tooling emit banners, progress bars, or color codes on stdout — any of
// which would corrupt line-framed JSON-RPC (spec.md invariant 3: "stdout is
// reserved exclusively for JSON-RPC frames"). BuildTransport forces these
// off unless the connection's own Environment explicitly overrides them.
var noisyStdioEnv = map[string]string{
	"NO_COLOR":            "1",
	"FORCE_COLOR":         "0",
	"NODE_NO_WARNINGS":    "1",
	"NPM_CONFIG_LOGLEVEL": "silent",
	"PYTHONWARNINGS":      "ignore",
	"RUST_LOG":            "off",
}

// BuildTransport constructs the transport.Transport this descriptor
// describes, applying eng's frame-size tunable. eng may be nil to accept
// transport.DefaultMaxFrameBytes.
func (c *Config) BuildTransport(eng *config.Engine) (transport.Transport, error) {
	maxFrame := 0
	if eng != nil {
		maxFrame = eng.MaxFrameBytes
	}

	switch c.Transport.Kind {
	case transport.KindStdio:
		d := c.Transport.Stdio
		if d == nil || d.Command == "" {
			return nil, studioerr.New(studioerr.KindConfigInvalid, "stdio connection %q is missing a command", c.Name)
		}
		env := make(map[string]string, len(noisyStdioEnv)+len(c.Environment))
		for k, v := range noisyStdioEnv {
			env[k] = v
		}
		for k, v := range c.Environment {
			env[k] = v
		}
		return &transport.StdioTransport{
			Spec: process.Spec{
				Command:     d.Command,
				Args:        d.Args,
				WorkingDir:  d.WorkingDir,
				Environment: env,
			},
			MaxFrameSize: maxFrame,
		}, nil

	case transport.KindHTTP:
		d := c.Transport.HTTP
		if d == nil || d.URL == "" {
			return nil, studioerr.New(studioerr.KindConfigInvalid, "http connection %q is missing a url", c.Name)
		}
		return &transport.HTTPTransport{
			URL:            d.URL,
			Header:         toHeader(d.Headers),
			MaxRetries:     3,
			InitialBackoff: time.Second,
		}, nil

	case transport.KindWebSocket:
		d := c.Transport.WebSocket
		if d == nil || d.URL == "" {
			return nil, studioerr.New(studioerr.KindConfigInvalid, "websocket connection %q is missing a url", c.Name)
		}
		return &transport.WebSocketTransport{
			URL:    d.URL,
			Dialer: websocket.DefaultDialer,
			Header: toHeader(d.Headers),
		}, nil

	case transport.KindTCP:
		d := c.Transport.TCP
		if d == nil || d.Host == "" || d.Port == 0 {
			return nil, studioerr.New(studioerr.KindConfigInvalid, "tcp connection %q is missing a host or port", c.Name)
		}
		return &transport.TCPTransport{Host: d.Host, Port: d.Port, MaxFrameSize: maxFrame, RequireLoopback: true}, nil

	case transport.KindUnix:
		d := c.Transport.Unix
		if d == nil || d.Path == "" {
			return nil, studioerr.New(studioerr.KindConfigInvalid, "unix connection %q is missing a socket path", c.Name)
		}
		return &transport.UnixTransport{Path: d.Path, MaxFrameSize: maxFrame}, nil

	default:
		return nil, studioerr.New(studioerr.KindUnsupportedTransport, "connection %q has unknown transport kind %q", c.Name, c.Transport.Kind)
	}
}

func toHeader(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
