// Package remote is a client for a yardstitch gRPC Mosaic service.
package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"yardstitch/internal/grpcserver"
	"yardstitch/internal/yard"
)

// maxMessageSize matches the server's limit so large mosaics fit.
const maxMessageSize = 64 << 20

// ErrNoYard is returned for a request naming neither a descriptor nor an id.
var ErrNoYard = errors.New("request needs a yard descriptor or a yard id")

// Config describes how to reach the server.
type Config struct {
	ServerAddress string `json:"serverAddress"`

	// Security
	TLSCertPath string `json:"tlsCertPath"`
	TLSKeyPath  string `json:"tlsKeyPath"`
	CACertPath  string `json:"caCertPath"`
	Insecure    bool   `json:"insecure"`
}

// Client calls the Mosaic service over one shared connection.
type Client struct {
	conn *grpc.ClientConn
}

// Request selects a yard either inline or by stored id.
type Request struct {
	YardID  string
	Yard    *yard.Descriptor
	Options map[string]any
}

// StitchResult is a PNG mosaic plus the coverage figures the server reports.
type StitchResult struct {
	PNG          []byte
	Covered      int
	Contributing int
}

// Dial prepares a connection. grpc connects lazily, so an unreachable server
// surfaces on the first call. extra options are appended after the defaults.
func Dial(cfg Config, extra ...grpc.DialOption) (*Client, error) {
	var opts []grpc.DialOption

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := tlsConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts,
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.ServerAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.ServerAddress, err)
	}
	return &Client{conn: conn}, nil
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertPath)
		}
		config.RootCAs = pool
	}

	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Stitch asks the server for a mosaic.
func (c *Client) Stitch(ctx context.Context, req Request) (StitchResult, error) {
	in, err := req.toStruct()
	if err != nil {
		return StitchResult{}, err
	}
	var header metadata.MD
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, method("Stitch"), in, out, grpc.Header(&header)); err != nil {
		return StitchResult{}, err
	}
	return StitchResult{
		PNG:          out.GetValue(),
		Covered:      headerInt(header, "x-yardstitch-covered"),
		Contributing: headerInt(header, "x-yardstitch-contributing"),
	}, nil
}

// Inspect returns the server's per-camera mapping report as a plain map.
func (c *Client) Inspect(ctx context.Context, req Request) (map[string]any, error) {
	in, err := req.toStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method("Inspect"), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Healthy reports whether the Mosaic service answers SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: grpcserver.ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func method(name string) string {
	return "/" + grpcserver.ServiceName + "/" + name
}

func (r Request) toStruct() (*structpb.Struct, error) {
	fields := map[string]any{}
	switch {
	case r.Yard != nil:
		// Round trip through JSON so ids and points take their wire form.
		body, err := json.Marshal(r.Yard)
		if err != nil {
			return nil, fmt.Errorf("marshal yard: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("marshal yard: %w", err)
		}
		fields["yard"] = doc
	case r.YardID != "":
		fields["yardId"] = r.YardID
	default:
		return nil, ErrNoYard
	}
	if len(r.Options) > 0 {
		fields["options"] = r.Options
	}
	return structpb.NewStruct(fields)
}

func headerInt(md metadata.MD, key string) int {
	vals := md.Get(key)
	if len(vals) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(vals[0])
	return n
}
