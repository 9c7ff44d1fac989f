package persona

import (
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/signer"
)

// Action names.
var (
	ActNewAccount  = ledger.MustName("newaccount")
	ActSetCode     = ledger.MustName("setcode")
	ActSetABI      = ledger.MustName("setabi")
	ActAddPolicy   = ledger.MustName("addpolicy")
	ActAddPersona  = ledger.MustName("addpersona")
	ActRmPersona   = ledger.MustName("rmpersona")
	ActInitPersona = ledger.MustName("initpersona")
	ActSubmitMsg   = ledger.MustName("submitmsg")
	ActFinalizeMsg = ledger.MustName("finalizemsg")
)

// Table names.
var (
	TableConvos      = ledger.MustName("convos")
	TableMessages    = ledger.MustName("messages")
	TablePersonaInfo = ledger.MustName("personainfo")
	TablePersonas    = ledger.MustName("personas")
	TablePolicies    = ledger.MustName("policies")
)

// NewAccount creates an account (sysio::newaccount).
type NewAccount struct {
	Creator ledger.Name      `json:"creator"`
	Name    ledger.Name      `json:"name"`
	Owner   ledger.Authority `json:"owner"`
	Active  ledger.Authority `json:"active"`
}

// NewAccountFor creates name with owner and active both held by key.
func NewAccountFor(creator, name ledger.Name, key signer.PublicKey) NewAccount {
	return NewAccount{
		Creator: creator,
		Name:    name,
		Owner:   ledger.SingleKeyAuthority(key),
		Active:  ledger.SingleKeyAuthority(key),
	}
}

func (a NewAccount) Request() ledger.ActionRequest {
	return ledger.ActionRequest{
		Account:       SystemAccount,
		Name:          ActNewAccount,
		Authorization: []ledger.PermissionLevel{ledger.Active(a.Creator)},
		Data:          a,
	}
}

type SetCode struct {
	Account   ledger.Name  `json:"account"`
	VMType    uint8        `json:"vmtype"`
	VMVersion uint8        `json:"vmversion"`
	Code      ledger.Bytes `json:"code"`
}

func (a SetCode) Request() ledger.ActionRequest {
	return ledger.ActionRequest{
		Account:       SystemAccount,
		Name:          ActSetCode,
		Authorization: []ledger.PermissionLevel{ledger.Active(a.Account)},
		Data:          a,
	}
}

// SetABI deploys an ABI document; ABI holds its JSON.
type SetABI struct {
	Account ledger.Name  `json:"account"`
	ABI     ledger.Bytes `json:"abi"`
}

func (a SetABI) Request() ledger.ActionRequest {
	return ledger.ActionRequest{
		Account:       SystemAccount,
		Name:          ActSetABI,
		Authorization: []ledger.PermissionLevel{ledger.Active(a.Account)},
		Data:          a,
	}
}

// AddPolicy grants owner a resource policy from issuer (sysio.roa::addpolicy).
type AddPolicy struct {
	Owner      ledger.Name  `json:"owner"`
	Issuer     ledger.Name  `json:"issuer"`
	NetWeight  ledger.Asset `json:"net_weight"`
	CPUWeight  ledger.Asset `json:"cpu_weight"`
	RAMWeight  ledger.Asset `json:"ram_weight"`
	TimeBlock  uint64       `json:"time_block"`
	NetworkGen uint8        `json:"network_gen"`
}

func (a AddPolicy) Request() ledger.ActionRequest {
	return ledger.ActionRequest{
		Account:       ROAAccount,
		Name:          ActAddPolicy,
		Authorization: []ledger.PermissionLevel{ledger.Active(a.Issuer)},
		Data:          a,
	}
}

// AddPersona registers a persona with the registry contract.
type AddPersona struct {
	PersonaName     ledger.Name `json:"persona_name"`
	InitialStateCID string      `json:"initial_state_cid"`
}

func (a AddPersona) Request(registry ledger.Name) ledger.ActionRequest {
	return ledger.ActionRequest{
		Account:       registry,
		Name:          ActAddPersona,
		Authorization: []ledger.PermissionLevel{ledger.Active(registry)},
		Data:          a,
	}
}

type RmPersona struct {
	PersonaName ledger.Name `json:"persona_name"`
}

func (a RmPersona) Request(registry ledger.Name) ledger.ActionRequest {
	return ledger.ActionRequest{
		Account:       registry,
		Name:          ActRmPersona,
		Authorization: []ledger.PermissionLevel{ledger.Active(registry)},
		Data:          a,
	}
}

// InitPersona writes the persona's initial state reference. It can succeed
// only once per persona.
type InitPersona struct {
	InitialStateCID string `json:"initial_state_cid"`
}

func (a InitPersona) Request(persona ledger.Name) ledger.ActionRequest {
	return ledger.ActionRequest{
		Account:       persona,
		Name:          ActInitPersona,
		Authorization: []ledger.PermissionLevel{ledger.Active(persona)},
		Data:          a,
	}
}

// SubmitMsg records a user message against the persona.
type SubmitMsg struct {
	AccountName         ledger.Name `json:"account_name"`
	PreStateCID         string      `json:"pre_state_cid"`
	MsgCID              string      `json:"msg_cid"`
	FullConvoHistoryCID string      `json:"full_convo_history_cid"`
}

// Request authorizes the submission with the persona's active permission.
func (a SubmitMsg) Request(persona ledger.Name) ledger.ActionRequest {
	return ledger.ActionRequest{
		Account:       persona,
		Name:          ActSubmitMsg,
		Authorization: []ledger.PermissionLevel{ledger.Active(persona)},
		Data:          a,
	}
}

// FinalizeMsg attaches the persona's response to message Key.
type FinalizeMsg struct {
	AccountName         ledger.Name `json:"account_name"`
	Key                 uint64      `json:"key"`
	PostStateCID        string      `json:"post_state_cid"`
	Response            string      `json:"response"`
	FullConvoHistoryCID string      `json:"full_convo_history_cid"`
}

func (a FinalizeMsg) Request(persona ledger.Name) ledger.ActionRequest {
	return ledger.ActionRequest{
		Account:       persona,
		Name:          ActFinalizeMsg,
		Authorization: []ledger.PermissionLevel{ledger.Active(persona)},
		Data:          a,
	}
}
