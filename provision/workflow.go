package provision

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/immutablenpc/npc/content"
	"github.com/immutablenpc/npc/contentstore"
	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/persona"
	"github.com/immutablenpc/npc/signer"
)

// Ledger is the read side of the ledger client used to check whether a
// step already took effect.
type Ledger interface {
	GetAccount(ctx context.Context, account ledger.Name) (*ledger.Account, error)
	GetTableRows(ctx context.Context, q ledger.TableQuery) (*ledger.TableRows, error)
}

// Policy is the resource policy granted in StepGrantPolicy.
type Policy struct {
	Issuer     ledger.Name
	NetWeight  ledger.Asset
	CPUWeight  ledger.Asset
	RAMWeight  ledger.Asset
	TimeBlock  uint64
	NetworkGen uint8
}

// DefaultPolicy is issued by the system account.
func DefaultPolicy() Policy {
	return Policy{
		Issuer:    persona.SystemAccount,
		NetWeight: ledger.MustAsset("1.0000 SYS"),
		CPUWeight: ledger.MustAsset("1.0000 SYS"),
		RAMWeight: ledger.MustAsset("1.0000 SYS"),
		TimeBlock: 1,
	}
}

type Config struct {
	Ledger Ledger
	// Sponsor signs as the creator, the policy issuer and the registry.
	Sponsor *ledger.Builder
	// Owner holds the persona key: it becomes owner and active of the new
	// account and signs the deploy and initialize steps.
	Owner signer.Signer
	Store *contentstore.Store

	// Progress defaults to an in-memory store.
	Progress ProgressStore
	// Creator defaults to the system account.
	Creator ledger.Name
	// Registry defaults to persona.DefaultRegistry.
	Registry ledger.Name
	// Policy defaults to DefaultPolicy.
	Policy *Policy

	Content ContentGenerator
	Images  ImageGenerator

	Logger *slog.Logger
	Now    func() time.Time
	// Rand feeds random names; crypto/rand when nil.
	Rand io.Reader
}

// Workflow provisions personas. It is safe for concurrent use on distinct
// accounts.
type Workflow struct {
	ledger   Ledger
	sponsor  *ledger.Builder
	owner    *ledger.Builder
	ownerKey signer.PublicKey
	store    *contentstore.Store
	progress ProgressStore
	creator  ledger.Name
	registry ledger.Name
	policy   Policy
	content  ContentGenerator
	images   ImageGenerator
	log      *slog.Logger
	now      func() time.Time
	rand     io.Reader
}

func New(cfg Config) (*Workflow, error) {
	const op = "provision.new"
	switch {
	case cfg.Ledger == nil:
		return nil, errs.New(errs.KindValidation, op, "ledger is required")
	case cfg.Sponsor == nil:
		return nil, errs.New(errs.KindValidation, op, "sponsor builder is required")
	case cfg.Owner == nil:
		return nil, errs.New(errs.KindValidation, op, "owner signer is required")
	case cfg.Store == nil:
		return nil, errs.New(errs.KindValidation, op, "content store is required")
	}
	w := &Workflow{
		ledger:   cfg.Ledger,
		sponsor:  cfg.Sponsor,
		owner:    cfg.Sponsor.WithSigners(cfg.Owner),
		ownerKey: cfg.Owner.PublicKey(),
		store:    cfg.Store,
		progress: cfg.Progress,
		creator:  cfg.Creator,
		registry: cfg.Registry,
		policy:   DefaultPolicy(),
		content:  cfg.Content,
		images:   cfg.Images,
		log:      logging.OrDiscard(cfg.Logger),
		now:      cfg.Now,
		rand:     cfg.Rand,
	}
	if w.progress == nil {
		w.progress = NewMemoryProgress()
	}
	if w.creator == 0 {
		w.creator = persona.SystemAccount
	}
	if w.registry == 0 {
		w.registry = persona.DefaultRegistry
	}
	if cfg.Policy != nil {
		w.policy = *cfg.Policy
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

// Progress returns the workflow's progress store.
func (w *Workflow) Progress() ProgressStore { return w.progress }

// Request describes a persona to create. Name may be a base name or a full
// account; when empty it comes from the content generator, or is random.
type Request struct {
	Name      string
	Backstory string
	Traits    []string
}

// StepResult is one committed transaction.
type StepResult struct {
	Step        Step
	Transaction ledger.TransactionResult
	// Skipped is set when Resume found the step already applied.
	Skipped bool
}

// Result describes a provisioned persona.
type Result struct {
	Account         ledger.Name
	InitialStateCID string
	AvatarCID       string
	Steps           []StepResult
}

// Provision uploads the initial state and runs every step from the start.
// Provisioning an existing account fails at StepCreateAccount with an error
// for which errs.IsAlreadyExists is true. A failure after the first step
// is a *PartialError.
func (w *Workflow) Provision(ctx context.Context, req Request) (*Result, error) {
	req, err := w.draft(ctx, req)
	if err != nil {
		return nil, err
	}
	account, err := persona.Account(req.Name)
	if err != nil {
		return nil, err
	}
	log := w.log.With("persona", account.String())

	stateCID, avatarCID, err := w.uploadInitialState(ctx, account, req)
	if err != nil {
		return nil, err
	}
	log.Info("initial state uploaded", "cid", stateCID, "avatar_cid", avatarCID)

	p := Progress{
		Account:         account,
		OwnerKey:        w.ownerKey.String(),
		InitialStateCID: stateCID,
		AvatarCID:       avatarCID,
		Status:          StatusInProgress,
		UpdatedAt:       w.now().UTC(),
	}
	prev, found, err := w.progress.Load(ctx, account)
	if err != nil {
		return nil, err
	}
	// Never clobber the record of an account that already made progress.
	owned := !found || prev.Completed == StepNone
	if owned {
		if err := w.progress.Save(ctx, p); err != nil {
			return nil, err
		}
	}

	res := &Result{Account: account, InitialStateCID: stateCID, AvatarCID: avatarCID}
	if err := w.run(ctx, &p, res, false, owned); err != nil {
		return res, err
	}
	return res, nil
}

// Resume continues a recorded run from its first incomplete step. Each
// remaining step is checked against the ledger first and skipped when it
// already took effect.
func (w *Workflow) Resume(ctx context.Context, account ledger.Name) (*Result, error) {
	const op = "provision.resume"
	p, found, err := w.progress.Load(ctx, account)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.Newf(errs.KindNotFound, op, "no provisioning progress for %s", account)
	}
	if p.OwnerKey != w.ownerKey.String() {
		return nil, errs.Newf(errs.KindValidation, op, "%s was provisioned for key %s, not %s", account, p.OwnerKey, w.ownerKey)
	}
	res := &Result{Account: account, InitialStateCID: p.InitialStateCID, AvatarCID: p.AvatarCID}
	if p.Done() {
		return res, nil
	}
	w.log.Info("resuming provisioning", "persona", account.String(), "completed", p.Completed.String())
	p.Status = StatusInProgress
	p.LastError = ""
	if err := w.run(ctx, &p, res, true, true); err != nil {
		return res, err
	}
	return res, nil
}

// Compensation reports what Compensate undid.
type Compensation struct {
	Account ledger.Name
	// Unregistered is set when the registry entry was removed.
	Unregistered bool
	// AccountRemains is set when the ledger account exists; accounts cannot
	// be deleted.
	AccountRemains bool
}

// Compensate removes the persona from the registry if it is listed there
// and discards its progress record.
func (w *Workflow) Compensate(ctx context.Context, account ledger.Name) (*Compensation, error) {
	out := &Compensation{Account: account}
	registered, err := w.hasRow(ctx, w.registry, w.registry, persona.TablePersonas, uint64(account))
	if err != nil {
		return nil, err
	}
	if registered {
		if _, err := w.sponsor.Submit(ctx, persona.RmPersona{PersonaName: account}.Request(w.registry)); err != nil {
			return nil, errs.Wrap(errs.KindOf(err), "provision.compensate", err)
		}
		out.Unregistered = true
	}
	if _, err := w.ledger.GetAccount(ctx, account); err == nil {
		out.AccountRemains = true
	} else if !errs.IsKind(err, errs.KindNotFound) {
		return nil, err
	}
	if err := w.progress.Delete(ctx, account); err != nil {
		return nil, err
	}
	w.log.Info("provisioning compensated", "persona", account.String(),
		"unregistered", out.Unregistered, "account_remains", out.AccountRemains)
	return out, nil
}

func (w *Workflow) run(ctx context.Context, p *Progress, res *Result, check, owned bool) error {
	log := w.log.With("persona", p.Account.String())
	for step := p.Completed + 1; step <= LastStep; step++ {
		sr := StepResult{Step: step}
		done := false
		if check {
			var err error
			if done, err = w.applied(ctx, step, p); err != nil {
				return w.fail(ctx, p, step, err, owned)
			}
		}
		if done {
			sr.Skipped = true
			log.Info("step already applied", "step", step.String())
		} else {
			tx, err := w.execute(ctx, step, p)
			if err != nil {
				return w.fail(ctx, p, step, err, owned)
			}
			sr.Transaction = tx
			log.Info("step committed", "step", step.String(), "trx", tx.ID.String())
		}
		res.Steps = append(res.Steps, sr)

		p.Completed = step
		if step == LastStep {
			p.Status = StatusComplete
		}
		p.UpdatedAt = w.now().UTC()
		if err := w.progress.Save(ctx, *p); err != nil {
			if step == LastStep {
				return err
			}
			return &PartialError{Account: p.Account, Completed: stepsBetween(StepNone, step), Failed: step + 1, Err: err}
		}
		owned = true
	}
	return nil
}

func (w *Workflow) fail(ctx context.Context, p *Progress, step Step, cause error, owned bool) error {
	w.log.Warn("provisioning step failed", "persona", p.Account.String(), "step", step.String(), "err", cause)
	if owned {
		p.Status = StatusFailed
		p.LastError = cause.Error()
		p.UpdatedAt = w.now().UTC()
		if err := w.progress.Save(ctx, *p); err != nil {
			w.log.Warn("record failure", "persona", p.Account.String(), "err", err)
		}
	}
	if p.Completed == StepNone {
		return errs.Wrap(errs.KindOf(cause), "provision."+step.String(), cause)
	}
	return &PartialError{
		Account:   p.Account,
		Completed: stepsBetween(StepNone, p.Completed),
		Failed:    step,
		Err:       cause,
	}
}

func (w *Workflow) execute(ctx context.Context, step Step, p *Progress) (ledger.TransactionResult, error) {
	account := p.Account
	switch step {
	case StepCreateAccount:
		return w.sponsor.Submit(ctx, persona.NewAccountFor(w.creator, account, w.ownerKey).Request())
	case StepDeployContract:
		return w.owner.Submit(ctx,
			persona.SetCode{Account: account, Code: persona.ContractCode()}.Request(),
			persona.SetABI{Account: account, ABI: persona.ContractABIJSON()}.Request(),
		)
	case StepGrantPolicy:
		return w.sponsor.Submit(ctx, persona.AddPolicy{
			Owner:      account,
			Issuer:     w.policy.Issuer,
			NetWeight:  w.policy.NetWeight,
			CPUWeight:  w.policy.CPUWeight,
			RAMWeight:  w.policy.RAMWeight,
			TimeBlock:  w.policy.TimeBlock,
			NetworkGen: w.policy.NetworkGen,
		}.Request())
	case StepRegister:
		return w.sponsor.Submit(ctx, persona.AddPersona{PersonaName: account, InitialStateCID: p.InitialStateCID}.Request(w.registry))
	case StepInitialize:
		return w.owner.Submit(ctx, persona.InitPersona{InitialStateCID: p.InitialStateCID}.Request(account))
	}
	return ledger.TransactionResult{}, errs.Newf(errs.KindValidation, "provision.execute", "unknown step %s", step)
}

// applied reports whether step's effect is already on the ledger.
func (w *Workflow) applied(ctx context.Context, step Step, p *Progress) (bool, error) {
	account := p.Account
	switch step {
	case StepCreateAccount, StepDeployContract:
		acct, err := w.ledger.GetAccount(ctx, account)
		if errs.IsKind(err, errs.KindNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if step == StepDeployContract {
			return acct.CodeHash == persona.CodeHash(persona.ContractCode()), nil
		}
		active, ok := acct.Permission(ledger.PermissionActive)
		if !ok || !active.RequiredAuth.SatisfiedBy([]signer.PublicKey{w.ownerKey}) {
			return false, errs.Newf(errs.KindValidation, "provision.check", "account %s exists but is not controlled by %s", account, w.ownerKey)
		}
		return true, nil
	case StepGrantPolicy:
		return w.hasRow(ctx, persona.ROAAccount, w.policy.Issuer, persona.TablePolicies, uint64(account))
	case StepRegister:
		return w.hasRow(ctx, w.registry, w.registry, persona.TablePersonas, uint64(account))
	case StepInitialize:
		return w.hasRow(ctx, account, account, persona.TablePersonaInfo, persona.PersonaInfoID)
	}
	return false, errs.Newf(errs.KindValidation, "provision.check", "unknown step %s", step)
}

func (w *Workflow) hasRow(ctx context.Context, code, scope, table ledger.Name, key uint64) (bool, error) {
	bound := strconv.FormatUint(key, 10)
	rows, err := w.ledger.GetTableRows(ctx, ledger.TableQuery{
		Code:       code,
		Scope:      scope.String(),
		Table:      table,
		LowerBound: bound,
		UpperBound: bound,
		Limit:      1,
	})
	if err != nil {
		var rej *ledger.Rejection
		if errors.As(err, &rej) && rej.Name == ledger.ExceptionUnknownAcct {
			return false, nil
		}
		return false, err
	}
	return len(rows.Rows) > 0, nil
}

func (w *Workflow) draft(ctx context.Context, req Request) (Request, error) {
	if w.content != nil && (req.Name == "" || req.Backstory == "") {
		d, err := w.content.GeneratePersona(ctx, Draft{Name: req.Name, Backstory: req.Backstory, Traits: req.Traits})
		if err != nil {
			return req, errs.Wrapf(errs.KindNetwork, "provision.generate", err, "generate persona")
		}
		if req.Name == "" {
			req.Name = d.Name
		}
		if req.Backstory == "" {
			req.Backstory = d.Backstory
		}
		if len(req.Traits) == 0 {
			req.Traits = d.Traits
		}
	}
	if req.Name == "" {
		name, err := persona.RandomBaseName(w.rand)
		if err != nil {
			return req, errs.Wrap(errs.KindValidation, "provision.name", err)
		}
		req.Name = name
	}
	return req, nil
}

// uploadInitialState writes the avatar (memoized per persona) and the
// initial persona state and returns their CIDs.
func (w *Workflow) uploadInitialState(ctx context.Context, account ledger.Name, req Request) (string, string, error) {
	name := persona.BaseName(account)
	var avatarCID string
	if w.images != nil {
		id, err := w.store.Memoize(ctx, "avatar:"+account.String(), func(ctx context.Context) ([]byte, error) {
			img, err := w.images.GenerateAvatar(ctx, name, req.Backstory)
			if err != nil {
				return nil, err
			}
			return content.Encode(content.AvatarDoc{
				ImageData: base64.StdEncoding.EncodeToString(img),
				Metadata:  content.AvatarMetadata{Version: 1, PersonaName: name, Timestamp: w.now()},
			})
		})
		if err != nil {
			return "", "", errs.Wrap(errs.KindOf(err), "provision.avatar", err)
		}
		avatarCID = id.String()
	}

	traits := req.Traits
	if traits == nil {
		traits = []string{}
	}
	raw, err := content.Encode(content.PersonaState{
		Text:      req.Backstory,
		Timestamp: w.now(),
		Persona:   name,
		Traits:    traits,
		AvatarCID: avatarCID,
	})
	if err != nil {
		return "", "", err
	}
	id, err := w.store.Put(ctx, raw)
	if err != nil {
		return "", "", err
	}
	return id.String(), avatarCID, nil
}
