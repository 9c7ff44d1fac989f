package ledger

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/signer"
)

type stubNode struct {
	info   ChainInfo
	pushed []*SignedTransaction
	err    error
}

func (n *stubNode) GetInfo(context.Context) (*ChainInfo, error) { return &n.info, nil }

func (n *stubNode) PushTransaction(_ context.Context, st *SignedTransaction) (*PushResult, error) {
	if n.err != nil {
		return nil, n.err
	}
	n.pushed = append(n.pushed, st)
	res := &PushResult{TransactionID: st.ID()}
	res.Processed.BlockNum = n.info.HeadBlockNum + 1
	return res, nil
}

type refusingSigner struct{ signer.Signer }

func (refusingSigner) Sign(context.Context, []byte) (signer.Signature, error) {
	return signer.Signature{}, signer.ErrRejected
}

func testSigner(t *testing.T, b byte) *signer.LocalSigner {
	t.Helper()
	s, err := signer.NewFromSeed(signer.KeyTypeEd25519, bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return s
}

func newTestBuilder(t *testing.T, node *stubNode, signers ...signer.Signer) *Builder {
	r := NewResolver(nil)
	r.Register(MustName("alice"), MustParseABI([]byte(testABI)))
	return NewBuilder(BuilderConfig{Node: node, Resolver: r, Signers: signers})
}

func TestBuilder_SubmitSignsChainDigest(t *testing.T) {
	node := &stubNode{info: ChainInfo{HeadBlockNum: 5, HeadBlockTime: TimePoint{time.Unix(1700000000, 0).UTC()}}}
	node.info.ChainID[0] = 0x42
	s1, s2 := testSigner(t, 1), testSigner(t, 2)
	b := newTestBuilder(t, node, s1, s2)

	res, err := b.Submit(context.Background(), noteRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, uint32(6), res.BlockNum)
	require.Len(t, node.pushed, 1)

	st := node.pushed[0]
	assert.Equal(t, st.ID(), res.ID)
	require.Len(t, st.Signatures, 2)
	digest := st.SigningDigest(node.info.ChainID)
	assert.True(t, signer.Verify(s1.PublicKey(), digest[:], st.Signatures[0]))
	assert.True(t, signer.Verify(s2.PublicKey(), digest[:], st.Signatures[1]))

	var other Checksum256
	otherDigest := st.SigningDigest(other)
	assert.False(t, signer.Verify(s1.PublicKey(), otherDigest[:], st.Signatures[0]), "signature must not verify on another chain")

	assert.Equal(t, NewTimePointSec(time.Unix(1700000000, 0).Add(DefaultExpiration)), st.Expiration)
}

func TestBuilder_ValidationFailsBeforePush(t *testing.T) {
	node := &stubNode{}
	b := newTestBuilder(t, node, testSigner(t, 1))
	req := noteRequest("alice")
	req.Data = map[string]any{"count": "nan"}
	_, err := b.Submit(context.Background(), req)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	assert.Empty(t, node.pushed)
}

func TestBuilder_SignerRejection(t *testing.T) {
	node := &stubNode{}
	s := testSigner(t, 1)
	b := newTestBuilder(t, node, refusingSigner{s})
	_, err := b.Submit(context.Background(), noteRequest("alice"))
	assert.True(t, errs.IsKind(err, errs.KindSigning))
	assert.ErrorIs(t, err, signer.ErrRejected)
	assert.Empty(t, node.pushed)
}

func TestBuilder_NoSigners(t *testing.T) {
	b := newTestBuilder(t, &stubNode{})
	_, err := b.Submit(context.Background(), noteRequest("alice"))
	assert.True(t, errs.IsKind(err, errs.KindSigning))
}

func TestBuilder_PushErrorReturnedUnchanged(t *testing.T) {
	rej := &Rejection{Name: ExceptionAssert, Message: "boom"}
	node := &stubNode{err: rej}
	b := newTestBuilder(t, node, testSigner(t, 1))
	_, err := b.Submit(context.Background(), noteRequest("alice"))
	assert.True(t, errors.Is(err, rej))
}
