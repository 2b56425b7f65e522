package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/marmot-restore/cfg"
	"github.com/maxpert/marmot-restore/coordination"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ClientConfig configures the connection to a coordination hub
type ClientConfig struct {
	Address          string
	Secret           string
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
}

// ClientConfigFromConfig builds the client configuration from the loaded config
func ClientConfigFromConfig(c *cfg.Configuration) ClientConfig {
	return ClientConfig{
		Address:          c.Coordination.Address,
		Secret:           c.Coordination.Secret,
		KeepaliveTime:    time.Duration(c.GRPCClient.KeepaliveTimeSeconds) * time.Second,
		KeepaliveTimeout: time.Duration(c.GRPCClient.KeepaliveTimeoutSeconds) * time.Second,
		MaxRetries:       c.GRPCClient.MaxRetries,
		RetryBackoff:     time.Duration(c.GRPCClient.RetryBackoffMS) * time.Millisecond,
	}
}

// Client is a coordination.Backend living on a remote hub
type Client struct {
	config ClientConfig
	conn   *grpc.ClientConn
}

var _ coordination.Backend = (*Client)(nil)

// NewClient connects to the hub at config.Address
func NewClient(config ClientConfig) (*Client, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("hub address is required")
	}
	if config.KeepaliveTime <= 0 {
		config.KeepaliveTime = 10 * time.Second
	}
	if config.KeepaliveTimeout <= 0 {
		config.KeepaliveTimeout = 3 * time.Second
	}

	conn, err := grpc.NewClient(config.Address, createDialOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hub %s: %w", config.Address, err)
	}

	log.Info().
		Str("address", config.Address).
		Bool("compression", IsCompressionEnabled()).
		Msg("Connected to coordination hub")

	return &Client{config: config, conn: conn}, nil
}

func createDialOptions(config ClientConfig) []grpc.DialOption {
	callOpts := []grpc.CallOption{grpc.CallContentSubtype(codecName)}
	if IsCompressionEnabled() {
		callOpts = append(callOpts, grpc.UseCompressor(zstdName))
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptorWithSecret(config.Secret)),
		grpc.WithChainStreamInterceptor(StreamClientInterceptorWithSecret(config.Secret)),
	}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// invoke calls method, retrying while the hub is unreachable. Every
// coordination call is idempotent.
func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	backoff := c.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := c.conn.Invoke(ctx, fullMethod(method), req, resp)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if status.Code(err) != codes.Unavailable || attempt >= c.config.MaxRetries {
			return fromStatus(err)
		}

		log.Debug().
			Err(err).
			Str("method", method).
			Int("attempt", attempt+1).
			Msg("Coordination hub unavailable, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	default:
		return err
	}
}

func (c *Client) ReportStage(ctx context.Context, host, stage, message string) error {
	req := &ReportStageRequest{Host: host, Stage: stage, Message: message}
	return c.invoke(ctx, "ReportStage", req, &ReportStageResponse{})
}

func (c *Client) WaitStage(ctx context.Context, host, stage string, timeout time.Duration) error {
	req := &WaitStageRequest{Host: host, Stage: stage, TimeoutMS: timeout.Milliseconds()}
	resp := &WaitStageResponse{}
	if err := c.invoke(ctx, "WaitStage", req, resp); err != nil {
		return err
	}
	if resp.FailedHost != "" {
		return &coordination.HostFailedError{Host: resp.FailedHost, Message: resp.FailedMessage}
	}
	if resp.TimedOut {
		return &coordination.StageTimeoutError{Stage: stage, Waiting: resp.Waiting}
	}
	return nil
}

func (c *Client) AgreeIdentifier(ctx context.Context, key, proposed string) (string, error) {
	resp := &AgreeIdentifierResponse{}
	if err := c.invoke(ctx, "AgreeIdentifier", &AgreeIdentifierRequest{Key: key, Proposed: proposed}, resp); err != nil {
		return "", err
	}
	return resp.Agreed, nil
}

func (c *Client) ClaimCreate(ctx context.Context, host, key string) (bool, error) {
	resp := &ClaimCreateResponse{}
	if err := c.invoke(ctx, "ClaimCreate", &ClaimCreateRequest{Host: host, Key: key}, resp); err != nil {
		return false, err
	}
	return resp.Owner, nil
}

func (c *Client) FinishCreate(ctx context.Context, key, errMessage string) error {
	return c.invoke(ctx, "FinishCreate", &FinishCreateRequest{Key: key, ErrMessage: errMessage}, &FinishCreateResponse{})
}

func (c *Client) AwaitCreate(ctx context.Context, key string, timeout time.Duration) (string, error) {
	resp := &AwaitCreateResponse{}
	req := &AwaitCreateRequest{Key: key, TimeoutMS: timeout.Milliseconds()}
	if err := c.invoke(ctx, "AwaitCreate", req, resp); err != nil {
		return "", err
	}
	return resp.ErrMessage, nil
}

// Reports returns the latest stage of every host known to the hub
func (c *Client) Reports(ctx context.Context) ([]coordination.StageReport, error) {
	resp := &ReportsResponse{}
	if err := c.invoke(ctx, "Reports", &ReportsRequest{}, resp); err != nil {
		return nil, err
	}
	return resp.Reports, nil
}
