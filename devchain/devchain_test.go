package devchain_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/devchain"
	"github.com/immutablenpc/npc/devchain/devnet"
	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/persona"
	"github.com/immutablenpc/npc/signer"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func rejection(t *testing.T, err error) *ledger.Rejection {
	t.Helper()
	require.Error(t, err)
	var rej *ledger.Rejection
	require.ErrorAs(t, err, &rej)
	return rej
}

// deployPersona creates and deploys a persona account controlled by key.
func deployPersona(t *testing.T, n *devnet.Net, base string, s signer.Signer) ledger.Name {
	t.Helper()
	ctx := context.Background()
	acct := persona.MustAccount(base)
	_, err := n.Builder.Submit(ctx, persona.NewAccountFor(persona.SystemAccount, acct, s.PublicKey()).Request())
	require.NoError(t, err)
	_, err = n.BuilderFor(s).Submit(ctx,
		persona.SetCode{Account: acct, Code: persona.ContractCode()}.Request(),
		persona.SetABI{Account: acct, ABI: persona.ContractABIJSON()}.Request(),
	)
	require.NoError(t, err)
	return acct
}

func TestNewAccount_DuplicateIsAlreadyExists(t *testing.T) {
	n := devnet.Start(t, devnet.Options{})
	ctx := context.Background()
	req := persona.NewAccountFor(persona.SystemAccount, persona.MustAccount("zeta12345"), n.Signer.PublicKey()).Request()

	_, err := n.Builder.Submit(ctx, req)
	require.NoError(t, err)

	_, err = n.Builder.Submit(ctx, req)
	rej := rejection(t, err)
	assert.Equal(t, ledger.ExceptionAccountExists, rej.Name)
	assert.True(t, errs.IsAlreadyExists(err))

	acct, err := n.Client.GetAccount(ctx, persona.MustAccount("zeta12345"))
	require.NoError(t, err)
	assert.False(t, acct.HasCode())
	active, ok := acct.Permission(ledger.PermissionActive)
	require.True(t, ok)
	assert.True(t, active.RequiredAuth.SatisfiedBy([]signer.PublicKey{n.Signer.PublicKey()}))
}

func TestPush_WrongKeyUnsatisfied(t *testing.T) {
	n := devnet.Start(t, devnet.Options{})
	stranger, err := signer.NewFromSeed(signer.KeyTypeEd25519, bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	_, err = n.BuilderFor(stranger).Submit(context.Background(),
		persona.NewAccountFor(persona.SystemAccount, persona.MustAccount("zeta12345"), stranger.PublicKey()).Request())
	rej := rejection(t, err)
	assert.Equal(t, ledger.ExceptionUnsatisfied, rej.Name)
}

func TestPush_DilithiumSigner(t *testing.T) {
	n := devnet.Start(t, devnet.Options{KeyType: signer.KeyTypeDilithium3})
	_, err := n.Builder.Submit(context.Background(),
		persona.NewAccountFor(persona.SystemAccount, persona.MustAccount("pq1234512"), n.Signer.PublicKey()).Request())
	require.NoError(t, err)
}

func TestPush_DuplicateAndExpired(t *testing.T) {
	clk := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	n := devnet.Start(t, devnet.Options{Now: clk.Now})
	ctx := context.Background()

	st, err := n.Builder.Sign(ctx, persona.NewAccountFor(persona.SystemAccount, persona.MustAccount("zeta12345"), n.Signer.PublicKey()).Request())
	require.NoError(t, err)

	_, err = n.Client.PushTransaction(ctx, st)
	require.NoError(t, err)
	_, err = n.Client.PushTransaction(ctx, st)
	assert.Equal(t, ledger.ExceptionDuplicate, rejection(t, err).Name)

	st2, err := n.Builder.Sign(ctx, persona.NewAccountFor(persona.SystemAccount, persona.MustAccount("zeta54321"), n.Signer.PublicKey()).Request())
	require.NoError(t, err)
	clk.Advance(2 * ledger.DefaultExpiration)
	_, err = n.Client.PushTransaction(ctx, st2)
	assert.Equal(t, ledger.ExceptionExpired, rejection(t, err).Name)
}

func TestPush_TaPoSMismatch(t *testing.T) {
	n := devnet.Start(t, devnet.Options{})
	ctx := context.Background()
	st, err := n.Builder.Sign(ctx, persona.NewAccountFor(persona.SystemAccount, persona.MustAccount("zeta12345"), n.Signer.PublicKey()).Request())
	require.NoError(t, err)

	st.RefBlockPrefix ^= 0xffffffff
	digest := st.SigningDigest(n.Chain.ChainID())
	sig, err := n.Signer.Sign(ctx, digest[:])
	require.NoError(t, err)
	st.Signatures = []signer.Signature{sig}

	_, err = n.Client.PushTransaction(ctx, st)
	assert.Equal(t, ledger.ExceptionTaPoS, rejection(t, err).Name)
}

func TestPush_AtomicTransaction(t *testing.T) {
	n := devnet.Start(t, devnet.Options{})
	ctx := context.Background()
	a := persona.MustAccount("aaaaaaaaa")
	_, err := n.Builder.Submit(ctx,
		persona.NewAccountFor(persona.SystemAccount, a, n.Signer.PublicKey()).Request(),
		persona.NewAccountFor(persona.SystemAccount, a, n.Signer.PublicKey()).Request(),
	)
	require.Error(t, err)

	_, err = n.Client.GetAccount(ctx, a)
	assert.True(t, errs.IsKind(err, errs.KindNotFound), "first action must be rolled back")
}

func TestPersonaContract(t *testing.T) {
	n := devnet.Start(t, devnet.Options{})
	ctx := context.Background()
	p := deployPersona(t, n, "zeta12345", n.Signer)
	alice := ledger.MustName("alice")

	abi, err := n.Client.GetABI(ctx, p)
	require.NoError(t, err)
	_, ok := abi.ActionType(persona.ActSubmitMsg)
	assert.True(t, ok)

	_, err = n.Builder.Submit(ctx, persona.InitPersona{InitialStateCID: "s0"}.Request(p))
	require.NoError(t, err)
	_, err = n.Builder.Submit(ctx, persona.InitPersona{InitialStateCID: "s1"}.Request(p))
	assert.Contains(t, rejection(t, err).Message, "Persona info already exists")

	_, err = n.Builder.Submit(ctx, persona.SubmitMsg{AccountName: alice, PreStateCID: "s0", MsgCID: ""}.Request(p))
	assert.Contains(t, rejection(t, err).Message, "Message CID cannot be empty")

	for _, cid := range []string{"m0", "m1"} {
		_, err = n.Builder.Submit(ctx, persona.SubmitMsg{AccountName: alice, PreStateCID: "s0", MsgCID: cid, FullConvoHistoryCID: "h-" + cid}.Request(p))
		require.NoError(t, err)
	}

	rows, err := n.Client.GetTableRows(ctx, ledger.TableQuery{Code: p, Scope: "alice", Table: persona.TableMessages})
	require.NoError(t, err)
	var msgs []persona.MessageRow
	require.NoError(t, rows.Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, persona.Uint64(1), msgs[1].Key)
	assert.Equal(t, "m1", msgs[1].MsgCID)
	assert.False(t, msgs[1].Finalized())

	_, err = n.Builder.Submit(ctx, persona.FinalizeMsg{AccountName: alice, Key: 1, PostStateCID: "s2", Response: "Hello!", FullConvoHistoryCID: "h2"}.Request(p))
	require.NoError(t, err)
	_, err = n.Builder.Submit(ctx, persona.FinalizeMsg{AccountName: alice, Key: 9, Response: "x"}.Request(p))
	assert.Contains(t, rejection(t, err).Message, "Message not found")

	rows, err = n.Client.GetTableRows(ctx, ledger.TableQuery{Code: p, Scope: "alice", Table: persona.TableMessages, LowerBound: "1", UpperBound: "1"})
	require.NoError(t, err)
	msgs = nil
	require.NoError(t, rows.Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello!", msgs[0].Response)
	assert.Equal(t, "s2", msgs[0].PostStateCID)

	rows, err = n.Client.GetTableRows(ctx, ledger.TableQuery{Code: p, Table: persona.TableConvos})
	require.NoError(t, err)
	var convos []persona.ConvoRow
	require.NoError(t, rows.Decode(&convos))
	require.Len(t, convos, 1)
	assert.Equal(t, "h2", convos[0].FullConvoHistoryCID)
}

func TestPersonaContract_SubmitRequiresAuth(t *testing.T) {
	n := devnet.Start(t, devnet.Options{})
	ctx := context.Background()
	p := deployPersona(t, n, "zeta12345", n.Signer)

	req := persona.SubmitMsg{AccountName: ledger.MustName("alice"), MsgCID: "m"}.Request(p)
	req.Authorization = []ledger.PermissionLevel{ledger.Active(persona.SystemAccount)}
	_, err := n.Builder.Submit(ctx, req)
	assert.Equal(t, ledger.ExceptionMissingAuth, rejection(t, err).Name)
}

func TestTableRows_Pagination(t *testing.T) {
	n := devnet.Start(t, devnet.Options{})
	ctx := context.Background()
	p := deployPersona(t, n, "zeta12345", n.Signer)
	for i := 0; i < 5; i++ {
		_, err := n.Builder.Submit(ctx, persona.SubmitMsg{AccountName: ledger.MustName("bob"), MsgCID: string(rune('a' + i))}.Request(p))
		require.NoError(t, err)
	}

	page, err := n.Client.GetTableRows(ctx, ledger.TableQuery{Code: p, Scope: "bob", Table: persona.TableMessages, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Rows, 2)
	assert.True(t, page.More)
	assert.Equal(t, "2", page.NextKey)

	page, err = n.Client.GetTableRows(ctx, ledger.TableQuery{Code: p, Scope: "bob", Table: persona.TableMessages, LowerBound: page.NextKey, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Rows, 3)
	assert.False(t, page.More)
}

func TestTableRows_UnknownTableIsEmpty(t *testing.T) {
	n := devnet.Start(t, devnet.Options{})
	rows, err := n.Client.GetTableRows(context.Background(), ledger.TableQuery{Code: persona.SystemAccount, Table: ledger.MustName("nosuch")})
	require.NoError(t, err)
	assert.Empty(t, rows.Rows)
}

func TestRegistryAndPolicy(t *testing.T) {
	n := devnet.Start(t, devnet.Options{})
	ctx := context.Background()
	p := deployPersona(t, n, "zeta12345", n.Signer)
	reg := n.Chain.Registry()

	_, err := n.Builder.Submit(ctx, persona.AddPersona{PersonaName: persona.MustAccount("nobody123"), InitialStateCID: "x"}.Request(reg))
	assert.Contains(t, rejection(t, err).Message, "does not exist")

	_, err = n.Builder.Submit(ctx, persona.AddPersona{PersonaName: p, InitialStateCID: "s0"}.Request(reg))
	require.NoError(t, err)
	_, err = n.Builder.Submit(ctx, persona.AddPersona{PersonaName: p, InitialStateCID: "s0"}.Request(reg))
	assert.Contains(t, rejection(t, err).Message, "Persona already registered")

	pol := persona.AddPolicy{Owner: p, Issuer: persona.SystemAccount, NetWeight: ledger.MustAsset("1.0000 SYS"), CPUWeight: ledger.MustAsset("1.0000 SYS"), RAMWeight: ledger.MustAsset("1.0000 SYS")}
	_, err = n.Builder.Submit(ctx, pol.Request())
	require.NoError(t, err)
	rows, err := n.Client.GetTableRows(ctx, ledger.TableQuery{Code: persona.ROAAccount, Scope: "sysio", Table: persona.TablePolicies, LowerBound: p.String(), UpperBound: p.String()})
	require.NoError(t, err)
	var policies []persona.PolicyRow
	require.NoError(t, rows.Decode(&policies))
	require.Len(t, policies, 1)
	assert.Equal(t, "1.0000 SYS", policies[0].RAMWeight.String())

	_, err = n.Builder.Submit(ctx, persona.RmPersona{PersonaName: p}.Request(reg))
	require.NoError(t, err)
	rows, err = n.Client.GetTableRows(ctx, ledger.TableQuery{Code: reg, Table: persona.TablePersonas})
	require.NoError(t, err)
	assert.Empty(t, rows.Rows)
}

func TestNew_RequiresSystemKey(t *testing.T) {
	_, err := devchain.New(devchain.Config{})
	assert.Error(t, err)
}
