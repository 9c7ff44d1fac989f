// Package agent delegates signing to a separate process over gRPC.
//
// The server wraps a local signer and asks an Approver before every
// signature; the approver is usually a person at a terminal, so a request can
// stay open indefinitely. The client implements signer.Signer and never adds
// a deadline of its own.
package agent

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/signer"
)

// Request is what an Approver is asked to approve.
type Request struct {
	PublicKey signer.PublicKey
	Digest    []byte
}

// Approver decides whether a digest may be signed. It should return
// promptly when ctx is done.
type Approver interface {
	Approve(ctx context.Context, req Request) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req Request) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req Request) (bool, error) { return f(ctx, req) }

// AutoApprove signs everything. Intended for unattended dev setups.
var AutoApprove = ApproverFunc(func(context.Context, Request) (bool, error) { return true, nil })

// Prompt asks on Out and reads y/N answers from In, one request at a time.
type Prompt struct {
	In  io.Reader
	Out io.Writer

	mu      sync.Mutex
	scanner *bufio.Scanner
}

func (p *Prompt) Approve(ctx context.Context, req Request) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	fmt.Fprintf(p.Out, "sign digest %s with %s? [y/N] ", hex.EncodeToString(req.Digest), req.PublicKey)

	type answer struct {
		line string
		ok   bool
	}
	ch := make(chan answer, 1)
	go func() {
		ok := p.scanner.Scan()
		ch <- answer{line: p.scanner.Text(), ok: ok}
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if !a.ok {
			return false, io.ErrUnexpectedEOF
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// Server exposes a signer over the SigningAgent service.
type Server struct {
	UnimplementedSigningAgentServer
	Signer   signer.Signer
	Approver Approver
	Logger   *slog.Logger
}

func (s *Server) PublicKey(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	if s.Signer == nil {
		return nil, status.Error(codes.FailedPrecondition, "no signer loaded")
	}
	return wrapperspb.String(s.Signer.PublicKey().String()), nil
}

func (s *Server) Sign(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	log := logging.OrDiscard(s.Logger)
	if s.Signer == nil {
		return nil, status.Error(codes.FailedPrecondition, "no signer loaded")
	}
	digest := in.GetValue()
	if len(digest) != 32 {
		return nil, status.Errorf(codes.InvalidArgument, "digest must be 32 bytes, got %d", len(digest))
	}

	approver := s.Approver
	if approver == nil {
		approver = AutoApprove
	}
	ok, err := approver.Approve(ctx, Request{PublicKey: s.Signer.PublicKey(), Digest: digest})
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Errorf(codes.Unavailable, "approval failed: %v", err)
	}
	if !ok {
		log.Info("signing request rejected", "digest", hex.EncodeToString(digest))
		return nil, status.Error(codes.PermissionDenied, "signing request rejected")
	}

	sig, err := s.Signer.Sign(ctx, digest)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "sign: %v", err)
	}
	log.Info("signed digest", "digest", hex.EncodeToString(digest), "key", s.Signer.PublicKey().String())
	return wrapperspb.String(sig.String()), nil
}
