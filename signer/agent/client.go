package agent

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/immutablenpc/npc/signer"
)

// Client is a signer.Signer backed by a remote signing agent.
type Client struct {
	cc     *grpc.ClientConn
	client SigningAgentClient
	pub    signer.PublicKey
}

var _ signer.Signer = (*Client)(nil)

// Dial connects to target and fetches the agent's public key.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	c, err := Connect(ctx, cc)
	if err != nil {
		_ = cc.Close()
		return nil, err
	}
	return c, nil
}

// Connect wraps an existing connection. Close closes cc.
func Connect(ctx context.Context, cc *grpc.ClientConn) (*Client, error) {
	client := NewSigningAgentClient(cc)
	reply, err := client.PublicKey(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fmt.Errorf("agent: public key: %w", err)
	}
	pub, err := signer.ParsePublicKey(reply.GetValue())
	if err != nil {
		return nil, fmt.Errorf("agent: public key: %w", err)
	}
	return &Client{cc: cc, client: client, pub: pub}, nil
}

func (c *Client) PublicKey() signer.PublicKey { return c.pub }

// Sign blocks until the agent answers or ctx is done.
func (c *Client) Sign(ctx context.Context, digest []byte) (signer.Signature, error) {
	reply, err := c.client.Sign(ctx, wrapperspb.Bytes(digest))
	if err != nil {
		if st, ok := status.FromError(err); ok {
			switch st.Code() {
			case codes.PermissionDenied:
				return signer.Signature{}, signer.ErrRejected
			case codes.Canceled:
				return signer.Signature{}, errors.Join(context.Canceled, err)
			case codes.DeadlineExceeded:
				return signer.Signature{}, errors.Join(context.DeadlineExceeded, err)
			}
		}
		return signer.Signature{}, fmt.Errorf("agent: sign: %w", err)
	}
	sig, err := signer.ParseSignature(reply.GetValue())
	if err != nil {
		return signer.Signature{}, fmt.Errorf("agent: sign: %w", err)
	}
	if !signer.Verify(c.pub, digest, sig) {
		return signer.Signature{}, errors.New("agent: signature does not verify against agent key")
	}
	return sig, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}
