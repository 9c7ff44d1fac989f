package persona

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/signer"
)

func TestAccount_NormalizesSuffix(t *testing.T) {
	a, err := Account("zeta12345")
	require.NoError(t, err)
	b, err := Account("zeta12345.ai")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "zeta12345.ai", a.String())
	assert.Equal(t, "zeta12345", BaseName(a))
	assert.True(t, IsPersonaAccount(a))
	assert.False(t, IsPersonaAccount(ledger.MustName("alice")))
}

func TestAccount_Rejects(t *testing.T) {
	for _, s := range []string{"zeta1234", "zeta123456", "zeta1234 ", "zeta12346", "zeta.2345", "zeta_2345"} {
		_, err := Account(s)
		assert.True(t, errs.IsKind(err, errs.KindValidation), s)
	}
}

func TestRandomBaseName(t *testing.T) {
	for i := 0; i < 20; i++ {
		n, err := RandomBaseName(nil)
		require.NoError(t, err)
		assert.NoError(t, ValidateBaseName(n))
	}
	n, err := RandomBaseName(bytes.NewReader(append([]byte{255, 0}, bytes.Repeat([]byte{30}, 8)...)))
	require.NoError(t, err)
	assert.Equal(t, "a55555555", n)
}

func TestActions_EncodeAgainstEmbeddedABIs(t *testing.T) {
	s, err := signer.NewFromSeed(signer.KeyTypeDilithium3, bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	p := MustAccount("zeta12345")

	cases := []struct {
		abi *ledger.ABI
		req ledger.ActionRequest
	}{
		{systemABI, NewAccountFor(SystemAccount, p, s.PublicKey()).Request()},
		{systemABI, SetCode{Account: p, Code: ContractCode()}.Request()},
		{systemABI, SetABI{Account: p, ABI: ContractABIJSON()}.Request()},
		{roaABI, AddPolicy{Owner: p, Issuer: SystemAccount, NetWeight: ledger.MustAsset("0.0100 SYS"), CPUWeight: ledger.MustAsset("0.0100 SYS"), RAMWeight: ledger.MustAsset("0.0100 SYS")}.Request()},
		{registryABI, AddPersona{PersonaName: p, InitialStateCID: "bafy"}.Request(DefaultRegistry)},
		{registryABI, RmPersona{PersonaName: p}.Request(DefaultRegistry)},
		{personaABI, InitPersona{InitialStateCID: "bafy"}.Request(p)},
		{personaABI, SubmitMsg{AccountName: ledger.MustName("alice"), PreStateCID: "a", MsgCID: "b", FullConvoHistoryCID: "c"}.Request(p)},
		{personaABI, FinalizeMsg{AccountName: ledger.MustName("alice"), Key: 3, Response: "Hello!"}.Request(p)},
	}
	for _, c := range cases {
		data, err := c.abi.EncodeAction(c.req.Name, c.req.Data)
		require.NoError(t, err, c.req.Name.String())
		_, err = c.abi.DecodeAction(c.req.Name, data)
		require.NoError(t, err, c.req.Name.String())
	}
}

func TestNewAccount_RoundTripsKey(t *testing.T) {
	s, err := signer.NewFromSeed(signer.KeyTypeEd25519, bytes.Repeat([]byte{4}, 32))
	require.NoError(t, err)
	in := NewAccountFor(SystemAccount, MustAccount("zeta12345"), s.PublicKey())
	data, err := systemABI.EncodeAction(ActNewAccount, in)
	require.NoError(t, err)

	var out NewAccount
	require.NoError(t, systemABI.DecodeInto("newaccount", data, &out))
	assert.Equal(t, in.Name, out.Name)
	require.Len(t, out.Owner.Keys, 1)
	assert.True(t, out.Owner.Keys[0].Key.Equal(s.PublicKey()))
	assert.True(t, out.Active.SatisfiedBy([]signer.PublicKey{s.PublicKey()}))
}

func TestContractCode_IsWasm(t *testing.T) {
	code := ContractCode()
	assert.True(t, bytes.HasPrefix(code, []byte("\x00asm\x01\x00\x00\x00")))
	assert.NotEqual(t, CodeHash(code), CodeHash(RegistryCode()))
}

func TestRows_DecodeNodeJSON(t *testing.T) {
	var row MessageRow
	require.NoError(t, json.Unmarshal([]byte(`{"key":"7","pre_state_cid":"p","msg_cid":"m","post_state_cid":"","response":""}`), &row))
	assert.Equal(t, Uint64(7), row.Key)
	assert.False(t, row.Finalized())

	require.NoError(t, json.Unmarshal([]byte(`{"key":8,"msg_cid":"m","response":"hi"}`), &row))
	assert.Equal(t, Uint64(8), row.Key)
	assert.True(t, row.Finalized())
}
