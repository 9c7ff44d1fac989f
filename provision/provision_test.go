package provision_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/content"
	"github.com/immutablenpc/npc/contentstore"
	"github.com/immutablenpc/npc/devchain/devnet"
	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/persona"
	"github.com/immutablenpc/npc/provision"
	"github.com/immutablenpc/npc/signer"
	"github.com/immutablenpc/npc/storage/memory"
)

type fixture struct {
	net      *devnet.Net
	owner    *signer.LocalSigner
	store    *contentstore.Store
	progress provision.ProgressStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	owner, err := signer.NewFromSeed(signer.KeyTypeEd25519, bytes.Repeat([]byte{0x11}, signer.SeedSize))
	require.NoError(t, err)
	return &fixture{
		net:      devnet.Start(t, devnet.Options{}),
		owner:    owner,
		store:    contentstore.New(memory.New(memory.Options{}), contentstore.Options{RetryDelay: time.Millisecond}),
		progress: provision.NewMemoryProgress(),
	}
}

func (f *fixture) workflow(t *testing.T, mod func(*provision.Config)) *provision.Workflow {
	t.Helper()
	cfg := provision.Config{
		Ledger:   f.net.Client,
		Sponsor:  f.net.Builder,
		Owner:    f.owner,
		Store:    f.store,
		Progress: f.progress,
	}
	if mod != nil {
		mod(&cfg)
	}
	w, err := provision.New(cfg)
	require.NoError(t, err)
	return w
}

func bard() provision.Request {
	return provision.Request{Name: "zeta12345", Backstory: "A wandering bard.", Traits: []string{"curious", "kind"}}
}

func TestProvision_AllSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.workflow(t, nil)

	res, err := w.Provision(ctx, bard())
	require.NoError(t, err)
	acct := persona.MustAccount("zeta12345")
	assert.Equal(t, acct, res.Account)
	require.Len(t, res.Steps, 5)
	for i, sr := range res.Steps {
		assert.Equal(t, provision.Step(i+1), sr.Step)
		assert.False(t, sr.Skipped)
		assert.False(t, sr.Transaction.ID.IsZero())
	}

	raw, err := f.store.GetString(ctx, res.InitialStateCID)
	require.NoError(t, err)
	state, err := content.DecodePersonaState(raw)
	require.NoError(t, err)
	assert.Equal(t, "A wandering bard.", state.Text)
	assert.Equal(t, "zeta12345", state.Persona)
	assert.Equal(t, []string{"curious", "kind"}, state.Traits)

	account, err := f.net.Client.GetAccount(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, persona.CodeHash(persona.ContractCode()), account.CodeHash)

	rows, err := f.net.Client.GetTableRows(ctx, ledger.TableQuery{Code: acct, Table: persona.TablePersonaInfo})
	require.NoError(t, err)
	var info []persona.PersonaInfoRow
	require.NoError(t, rows.Decode(&info))
	require.Len(t, info, 1)
	assert.Equal(t, res.InitialStateCID, info[0].InitialStateCID)

	rows, err = f.net.Client.GetTableRows(ctx, ledger.TableQuery{Code: persona.DefaultRegistry, Table: persona.TablePersonas})
	require.NoError(t, err)
	var reg []persona.RegistryRow
	require.NoError(t, rows.Decode(&reg))
	require.Len(t, reg, 1)
	assert.Equal(t, acct, reg[0].PersonaName)

	rows, err = f.net.Client.GetTableRows(ctx, ledger.TableQuery{Code: persona.ROAAccount, Scope: "sysio", Table: persona.TablePolicies})
	require.NoError(t, err)
	assert.Len(t, rows.Rows, 1)

	p, found, err := f.progress.Load(ctx, acct)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, p.Done())
	assert.Equal(t, provision.StatusComplete, p.Status)
	assert.Equal(t, f.owner.PublicKey().String(), p.OwnerKey)
}

func TestProvision_TwiceFailsAtAccountCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.workflow(t, nil)

	_, err := w.Provision(ctx, bard())
	require.NoError(t, err)

	_, err = w.Provision(ctx, bard())
	require.Error(t, err)
	assert.True(t, errs.IsAlreadyExists(err), "err = %v", err)
	assert.True(t, errs.IsKind(err, errs.KindRejected))
	var partial *provision.PartialError
	assert.False(t, errors.As(err, &partial))
	assert.Contains(t, err.Error(), "create-account")

	p, _, err := f.progress.Load(ctx, persona.MustAccount("zeta12345"))
	require.NoError(t, err)
	assert.Equal(t, provision.StatusComplete, p.Status)
}

func TestProvision_PartialThenResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broken := f.workflow(t, func(c *provision.Config) {
		pol := provision.DefaultPolicy()
		pol.Issuer = ledger.MustName("nobody")
		c.Policy = &pol
	})

	_, err := broken.Provision(ctx, bard())
	require.Error(t, err)
	var partial *provision.PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []provision.Step{provision.StepCreateAccount, provision.StepDeployContract}, partial.Completed)
	assert.Equal(t, provision.StepGrantPolicy, partial.Failed)
	assert.True(t, errs.IsKind(err, errs.KindPartial))
	assert.True(t, errs.IsKind(err, errs.KindRejected))

	acct := persona.MustAccount("zeta12345")
	p, found, err := f.progress.Load(ctx, acct)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, provision.StepDeployContract, p.Completed)
	assert.Equal(t, provision.StatusFailed, p.Status)
	assert.NotEmpty(t, p.LastError)

	res, err := f.workflow(t, nil).Resume(ctx, acct)
	require.NoError(t, err)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, provision.StepGrantPolicy, res.Steps[0].Step)
	assert.Equal(t, p.InitialStateCID, res.InitialStateCID)

	p, _, err = f.progress.Load(ctx, acct)
	require.NoError(t, err)
	assert.True(t, p.Done())
	assert.Empty(t, p.LastError)

	again, err := f.workflow(t, nil).Resume(ctx, acct)
	require.NoError(t, err)
	assert.Empty(t, again.Steps)
}

func TestResume_SkipsStepsAlreadyOnLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := persona.MustAccount("zeta12345")

	// The account was created but the run died before recording it.
	_, err := f.net.Builder.Submit(ctx, persona.NewAccountFor(persona.SystemAccount, acct, f.owner.PublicKey()).Request())
	require.NoError(t, err)
	state, err := f.store.Put(ctx, []byte(`{"text":"x"}`))
	require.NoError(t, err)
	require.NoError(t, f.progress.Save(ctx, provision.Progress{
		Account:         acct,
		OwnerKey:        f.owner.PublicKey().String(),
		InitialStateCID: state.String(),
		Status:          provision.StatusFailed,
	}))

	res, err := f.workflow(t, nil).Resume(ctx, acct)
	require.NoError(t, err)
	require.Len(t, res.Steps, 5)
	assert.True(t, res.Steps[0].Skipped)
	for _, sr := range res.Steps[1:] {
		assert.False(t, sr.Skipped, sr.Step.String())
	}
}

func TestResume_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.workflow(t, nil)
	acct := persona.MustAccount("zeta12345")

	_, err := w.Resume(ctx, acct)
	assert.True(t, errs.IsKind(err, errs.KindNotFound), "err = %v", err)

	require.NoError(t, f.progress.Save(ctx, provision.Progress{Account: acct, OwnerKey: f.net.Signer.PublicKey().String()}))
	_, err = w.Resume(ctx, acct)
	assert.True(t, errs.IsKind(err, errs.KindValidation), "err = %v", err)

	// Account exists but belongs to someone else.
	_, err = f.net.Builder.Submit(ctx, persona.NewAccountFor(persona.SystemAccount, acct, f.net.Signer.PublicKey()).Request())
	require.NoError(t, err)
	require.NoError(t, f.progress.Save(ctx, provision.Progress{Account: acct, OwnerKey: f.owner.PublicKey().String()}))
	_, err = w.Resume(ctx, acct)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation), "err = %v", err)
	assert.Contains(t, err.Error(), "not controlled by")
}

func TestCompensate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.workflow(t, nil)

	res, err := w.Provision(ctx, bard())
	require.NoError(t, err)

	comp, err := w.Compensate(ctx, res.Account)
	require.NoError(t, err)
	assert.True(t, comp.Unregistered)
	assert.True(t, comp.AccountRemains)

	rows, err := f.net.Client.GetTableRows(ctx, ledger.TableQuery{Code: persona.DefaultRegistry, Table: persona.TablePersonas})
	require.NoError(t, err)
	assert.Empty(t, rows.Rows)
	_, found, err := f.progress.Load(ctx, res.Account)
	require.NoError(t, err)
	assert.False(t, found)

	comp, err = w.Compensate(ctx, persona.MustAccount("nobody123"))
	require.NoError(t, err)
	assert.False(t, comp.Unregistered)
	assert.False(t, comp.AccountRemains)
}

func TestProvision_GeneratorsAndMemoizedAvatar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var avatars atomic.Int32
	w := f.workflow(t, func(c *provision.Config) {
		c.Content = provision.ContentGeneratorFunc(func(_ context.Context, hint provision.Draft) (provision.Draft, error) {
			return provision.Draft{Name: "gen123451", Backstory: "Generated.", Traits: []string{"bold"}}, nil
		})
		c.Images = provision.ImageGeneratorFunc(func(_ context.Context, name, backstory string) ([]byte, error) {
			avatars.Add(1)
			return []byte("png:" + name), nil
		})
	})

	res, err := w.Provision(ctx, provision.Request{})
	require.NoError(t, err)
	assert.Equal(t, persona.MustAccount("gen123451"), res.Account)
	require.NotEmpty(t, res.AvatarCID)

	raw, err := f.store.GetString(ctx, res.InitialStateCID)
	require.NoError(t, err)
	state, err := content.DecodePersonaState(raw)
	require.NoError(t, err)
	assert.Equal(t, "Generated.", state.Text)
	assert.Equal(t, res.AvatarCID, state.AvatarCID)

	raw, err = f.store.GetString(ctx, res.AvatarCID)
	require.NoError(t, err)
	avatar, err := content.DecodeAvatar(raw)
	require.NoError(t, err)
	assert.Equal(t, "gen123451", avatar.Metadata.PersonaName)

	_, err = w.Provision(ctx, provision.Request{})
	require.Error(t, err)
	assert.Equal(t, int32(1), avatars.Load())
}

func TestProvision_InvalidName(t *testing.T) {
	f := newFixture(t)
	_, err := f.workflow(t, nil).Provision(context.Background(), provision.Request{Name: "zeta6789"})
	assert.True(t, errs.IsKind(err, errs.KindValidation), "err = %v", err)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := provision.New(provision.Config{})
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestSQLiteProgress(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "progress.db")
	s, err := provision.OpenSQLite(path)
	require.NoError(t, err)

	acct := persona.MustAccount("zeta12345")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := provision.Progress{
		Account:         acct,
		OwnerKey:        "PUB_ED_x",
		InitialStateCID: "bafkq",
		Completed:       provision.StepGrantPolicy,
		Status:          provision.StatusFailed,
		LastError:       "boom",
		UpdatedAt:       at,
	}
	require.NoError(t, s.Save(ctx, p))
	p.Completed = provision.StepRegister
	require.NoError(t, s.Save(ctx, p))
	require.NoError(t, s.Save(ctx, provision.Progress{Account: persona.MustAccount("abcde1234"), Status: provision.StatusInProgress, UpdatedAt: at}))
	require.NoError(t, s.Close())

	s, err = provision.OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	got, found, err := s.Load(ctx, acct)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, p, got)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "abcde1234.ai", list[0].Account.String())

	require.NoError(t, s.Delete(ctx, acct))
	_, found, err = s.Load(ctx, acct)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStep_Text(t *testing.T) {
	var s provision.Step
	require.NoError(t, s.UnmarshalText([]byte("grant-policy")))
	assert.Equal(t, provision.StepGrantPolicy, s)
	assert.Error(t, s.UnmarshalText([]byte("launch")))
	assert.Equal(t, "step(9)", provision.Step(9).String())
}
