package devchain

import (
	"encoding/json"
	"time"

	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/persona"
)

// Contract is a native contract implementation.
type Contract interface {
	Apply(ctx *ActionContext) error
}

// ActionContext gives a contract access to the action being applied and
// to the forked state of the running transaction.
type ActionContext struct {
	Receiver ledger.Name
	Action   *ledger.Action
	Now      time.Time

	st  *state
	abi *ledger.ABI
}

// Decode unmarshals the action payload through the receiver's ABI.
func (x *ActionContext) Decode(out any) error {
	typ, ok := x.abi.ActionType(x.Action.Name)
	if !ok {
		return actionInvalid("unknown action %s in contract %s", x.Action.Name, x.Receiver)
	}
	if err := x.abi.DecodeInto(typ, x.Action.Data, out); err != nil {
		return parseError("unable to unpack %s::%s: %v", x.Receiver, x.Action.Name, err)
	}
	return nil
}

// HasAuth reports whether actor is among the action's declared authorizers.
func (x *ActionContext) HasAuth(actor ledger.Name) bool {
	for _, p := range x.Action.Authorization {
		if p.Actor == actor {
			return true
		}
	}
	return false
}

func (x *ActionContext) RequireAuth(actor ledger.Name) error {
	if !x.HasAuth(actor) {
		return missingAuth(actor)
	}
	return nil
}

func (x *ActionContext) IsAccount(name ledger.Name) bool {
	_, ok := x.st.accounts[name]
	return ok
}

func (x *ActionContext) tid(scope, table ledger.Name) tableID {
	return tableID{code: x.Receiver, scope: scope, table: table}
}

// Get loads row key of the receiver's table into out.
func (x *ActionContext) Get(scope, table ledger.Name, key uint64, out any) (bool, error) {
	t := x.st.readTable(x.tid(scope, table))
	if t == nil {
		return false, nil
	}
	raw, ok := t.rows[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

// Put inserts or replaces row key.
func (x *ActionContext) Put(scope, table ledger.Name, key uint64, row any) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	x.st.writeTable(x.tid(scope, table)).rows[key] = raw
	return nil
}

func (x *ActionContext) Delete(scope, table ledger.Name, key uint64) {
	delete(x.st.writeTable(x.tid(scope, table)).rows, key)
}

// AvailablePrimaryKey is one past the largest key, or 0 for an empty table.
func (x *ActionContext) AvailablePrimaryKey(scope, table ledger.Name) uint64 {
	t := x.st.readTable(x.tid(scope, table))
	if t == nil || len(t.rows) == 0 {
		return 0
	}
	var max uint64
	for k := range t.rows {
		if k > max {
			max = k
		}
	}
	return max + 1
}

func (c *Chain) apply(st *state, act *ledger.Action, now time.Time) error {
	receiver, ok := st.accounts[act.Account]
	if !ok {
		return unknownAccount(act.Account)
	}
	if receiver.abi == nil {
		return actionInvalid("no ABI set on account %s", act.Account)
	}
	x := &ActionContext{Receiver: act.Account, Action: act, Now: now, st: st, abi: receiver.abi}

	var impl Contract
	switch act.Account {
	case persona.SystemAccount:
		impl = systemContract{}
	case persona.ROAAccount:
		impl = roaContract{}
	default:
		impl, ok = c.contracts[receiver.codeHash]
		if !ok {
			return actionInvalid("no contract deployed to %s", act.Account)
		}
	}
	return impl.Apply(x)
}

type systemContract struct{}

func (systemContract) Apply(x *ActionContext) error {
	switch x.Action.Name {
	case persona.ActNewAccount:
		var a persona.NewAccount
		if err := x.Decode(&a); err != nil {
			return err
		}
		if err := x.RequireAuth(a.Creator); err != nil {
			return err
		}
		if x.IsAccount(a.Name) {
			return accountExists(a.Name)
		}
		if len(a.Name.String()) > 12 && a.Creator != persona.SystemAccount {
			return actionInvalid("account names longer than 12 characters are reserved")
		}
		if a.Owner.Threshold == 0 || a.Active.Threshold == 0 {
			return actionInvalid("invalid authority for %s", a.Name)
		}
		x.st.accounts[a.Name] = &account{
			name:    a.Name,
			created: x.Now,
			permissions: map[ledger.Name]permission{
				ledger.PermissionOwner:  {auth: a.Owner},
				ledger.PermissionActive: {parent: ledger.PermissionOwner, auth: a.Active},
			},
		}
		return nil

	case persona.ActSetCode:
		var a persona.SetCode
		if err := x.Decode(&a); err != nil {
			return err
		}
		if err := x.RequireAuth(a.Account); err != nil {
			return err
		}
		if !x.IsAccount(a.Account) {
			return unknownAccount(a.Account)
		}
		hash := persona.CodeHash(a.Code)
		if len(a.Code) == 0 {
			hash = ledger.Checksum256{}
		}
		if x.st.accounts[a.Account].codeHash == hash {
			return Assertf("contract is already running this version of code")
		}
		x.st.updateAccount(a.Account, func(acct *account) {
			acct.code = append([]byte(nil), a.Code...)
			acct.codeHash = hash
		})
		return nil

	case persona.ActSetABI:
		var a persona.SetABI
		if err := x.Decode(&a); err != nil {
			return err
		}
		if err := x.RequireAuth(a.Account); err != nil {
			return err
		}
		if !x.IsAccount(a.Account) {
			return unknownAccount(a.Account)
		}
		var abi *ledger.ABI
		if len(a.ABI) > 0 {
			parsed, err := ledger.ParseABI(a.ABI)
			if err != nil {
				return parseError("invalid ABI for %s: %v", a.Account, err)
			}
			abi = parsed
		}
		x.st.updateAccount(a.Account, func(acct *account) { acct.abi = abi })
		return nil
	}
	return actionInvalid("unknown system action %s", x.Action.Name)
}

type roaContract struct{}

func (roaContract) Apply(x *ActionContext) error {
	if x.Action.Name != persona.ActAddPolicy {
		return actionInvalid("unknown action %s", x.Action.Name)
	}
	var a persona.AddPolicy
	if err := x.Decode(&a); err != nil {
		return err
	}
	if err := x.RequireAuth(a.Issuer); err != nil {
		return err
	}
	if !x.IsAccount(a.Owner) {
		return Assertf("owner account %s does not exist", a.Owner)
	}
	var existing persona.PolicyRow
	found, err := x.Get(a.Issuer, persona.TablePolicies, uint64(a.Owner), &existing)
	if err != nil {
		return err
	}
	if found {
		return Assertf("policy already exists for %s", a.Owner)
	}
	return x.Put(a.Issuer, persona.TablePolicies, uint64(a.Owner), persona.PolicyRow{
		Owner:     a.Owner,
		Issuer:    a.Issuer,
		NetWeight: a.NetWeight,
		CPUWeight: a.CPUWeight,
		RAMWeight: a.RAMWeight,
		TimeBlock: persona.Uint64(a.TimeBlock),
	})
}

type registryContract struct{}

func (registryContract) Apply(x *ActionContext) error {
	if err := x.RequireAuth(x.Receiver); err != nil {
		return err
	}
	switch x.Action.Name {
	case persona.ActAddPersona:
		var a persona.AddPersona
		if err := x.Decode(&a); err != nil {
			return err
		}
		if !x.IsAccount(a.PersonaName) {
			return Assertf("persona account %s does not exist", a.PersonaName)
		}
		var row persona.RegistryRow
		found, err := x.Get(x.Receiver, persona.TablePersonas, uint64(a.PersonaName), &row)
		if err != nil {
			return err
		}
		if found {
			return Assertf("Persona already registered")
		}
		return x.Put(x.Receiver, persona.TablePersonas, uint64(a.PersonaName), persona.RegistryRow{
			PersonaName:     a.PersonaName,
			InitialStateCID: a.InitialStateCID,
		})

	case persona.ActRmPersona:
		var a persona.RmPersona
		if err := x.Decode(&a); err != nil {
			return err
		}
		var row persona.RegistryRow
		found, err := x.Get(x.Receiver, persona.TablePersonas, uint64(a.PersonaName), &row)
		if err != nil {
			return err
		}
		if !found {
			return Assertf("Persona not found")
		}
		x.Delete(x.Receiver, persona.TablePersonas, uint64(a.PersonaName))
		return nil
	}
	return actionInvalid("unknown action %s", x.Action.Name)
}

type personaContract struct{}

func (personaContract) Apply(x *ActionContext) error {
	self := x.Receiver
	switch x.Action.Name {
	case persona.ActInitPersona:
		var a persona.InitPersona
		if err := x.Decode(&a); err != nil {
			return err
		}
		if err := x.RequireAuth(self); err != nil {
			return err
		}
		var info persona.PersonaInfoRow
		found, err := x.Get(self, persona.TablePersonaInfo, persona.PersonaInfoID, &info)
		if err != nil {
			return err
		}
		if found {
			return Assertf("Persona info already exists")
		}
		return x.Put(self, persona.TablePersonaInfo, persona.PersonaInfoID, persona.PersonaInfoRow{
			ID:              persona.PersonaInfoID,
			InitialStateCID: a.InitialStateCID,
		})

	case persona.ActSubmitMsg:
		var a persona.SubmitMsg
		if err := x.Decode(&a); err != nil {
			return err
		}
		if !x.HasAuth(a.AccountName) && !x.HasAuth(self) {
			return missingAuth(a.AccountName)
		}
		if a.MsgCID == "" {
			return Assertf("Message CID cannot be empty")
		}
		if err := x.Put(self, persona.TableConvos, uint64(a.AccountName), persona.ConvoRow{
			AccountName:         a.AccountName,
			FullConvoHistoryCID: a.FullConvoHistoryCID,
		}); err != nil {
			return err
		}
		key := x.AvailablePrimaryKey(a.AccountName, persona.TableMessages)
		return x.Put(a.AccountName, persona.TableMessages, key, persona.MessageRow{
			Key:         persona.Uint64(key),
			PreStateCID: a.PreStateCID,
			MsgCID:      a.MsgCID,
		})

	case persona.ActFinalizeMsg:
		var a persona.FinalizeMsg
		if err := x.Decode(&a); err != nil {
			return err
		}
		if err := x.RequireAuth(self); err != nil {
			return err
		}
		var msg persona.MessageRow
		found, err := x.Get(a.AccountName, persona.TableMessages, a.Key, &msg)
		if err != nil {
			return err
		}
		if !found {
			return Assertf("Message not found")
		}
		var convo persona.ConvoRow
		found, err = x.Get(self, persona.TableConvos, uint64(a.AccountName), &convo)
		if err != nil {
			return err
		}
		if !found {
			return Assertf("Conversation not found")
		}
		msg.PostStateCID = a.PostStateCID
		msg.Response = a.Response
		if err := x.Put(a.AccountName, persona.TableMessages, a.Key, msg); err != nil {
			return err
		}
		convo.FullConvoHistoryCID = a.FullConvoHistoryCID
		return x.Put(self, persona.TableConvos, uint64(a.AccountName), convo)
	}
	return actionInvalid("unknown action %s", x.Action.Name)
}
