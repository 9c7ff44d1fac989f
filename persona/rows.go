package persona

import (
	"strconv"

	"github.com/immutablenpc/npc/ledger"
)

// PersonaInfoID is the only row key of the personainfo table.
const PersonaInfoID = 1

// ConvoRow is a row of <persona>::convos, scoped by the persona.
type ConvoRow struct {
	AccountName         ledger.Name `json:"account_name" yaml:"account_name"`
	FullConvoHistoryCID string      `json:"full_convo_history_cid" yaml:"full_convo_history_cid"`
}

// MessageRow is a row of <persona>::messages, scoped by the user.
type MessageRow struct {
	Key          Uint64 `json:"key" yaml:"key"`
	PreStateCID  string `json:"pre_state_cid" yaml:"pre_state_cid"`
	MsgCID       string `json:"msg_cid" yaml:"msg_cid"`
	PostStateCID string `json:"post_state_cid" yaml:"post_state_cid"`
	Response     string `json:"response" yaml:"response"`
}

// Finalized reports whether the persona has responded.
func (r MessageRow) Finalized() bool { return r.Response != "" }

type PersonaInfoRow struct {
	ID              Uint64 `json:"id" yaml:"id"`
	InitialStateCID string `json:"initial_state_cid" yaml:"initial_state_cid"`
}

// RegistryRow is a row of <registry>::personas.
type RegistryRow struct {
	PersonaName     ledger.Name `json:"persona_name" yaml:"persona_name"`
	InitialStateCID string      `json:"initial_state_cid" yaml:"initial_state_cid"`
}

type PolicyRow struct {
	Owner     ledger.Name  `json:"owner" yaml:"owner"`
	Issuer    ledger.Name  `json:"issuer" yaml:"issuer"`
	NetWeight ledger.Asset `json:"net_weight" yaml:"net_weight"`
	CPUWeight ledger.Asset `json:"cpu_weight" yaml:"cpu_weight"`
	RAMWeight ledger.Asset `json:"ram_weight" yaml:"ram_weight"`
	TimeBlock Uint64       `json:"time_block" yaml:"time_block"`
}

// Uint64 accepts both JSON numbers and quoted numbers, as nodes print
// 64-bit integers either way.
type Uint64 uint64

func (u Uint64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(u), 10)), nil
}

func (u *Uint64) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*u = Uint64(v)
	return nil
}
