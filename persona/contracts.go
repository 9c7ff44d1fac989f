package persona

import (
	"crypto/sha256"
	"embed"
	"encoding/json"

	"github.com/immutablenpc/npc/ledger"
)

//go:embed abi/*.json
var abiFS embed.FS

// Well-known accounts.
var (
	SystemAccount = ledger.MustName("sysio")
	ROAAccount    = ledger.MustName("sysio.roa")
	// DefaultRegistry is the global persona registry contract.
	DefaultRegistry = ledger.MustName("immutablenpc")
)

func mustABI(file string) (*ledger.ABI, []byte) {
	raw, err := abiFS.ReadFile("abi/" + file)
	if err != nil {
		panic(err)
	}
	return ledger.MustParseABI(raw), raw
}

var (
	personaABI, personaABIRaw   = mustABI("persona.abi.json")
	registryABI, registryABIRaw = mustABI("registry.abi.json")
	systemABI, _                = mustABI("system.abi.json")
	roaABI, _                   = mustABI("roa.abi.json")
)

// ContractABI returns the persona contract ABI.
func ContractABI() *ledger.ABI { return personaABI }

// ContractABIJSON is the ABI document deployed by setabi.
func ContractABIJSON() []byte { return append([]byte(nil), personaABIRaw...) }

func RegistryABI() *ledger.ABI { return registryABI }

func RegistryABIJSON() []byte { return append([]byte(nil), registryABIRaw...) }

func SystemABI() *ledger.ABI { return systemABI }

func ROAABI() *ledger.ABI { return roaABI }

// RegisterABIs pre-loads the well-known schemas into r so that system and
// policy actions never need a get_abi round trip.
func RegisterABIs(r *ledger.Resolver, registry ledger.Name) {
	r.Register(SystemAccount, systemABI)
	r.Register(ROAAccount, roaABI)
	r.Register(registry, registryABI)
}

// wasmModule returns a minimal WebAssembly module holding a single custom
// section. Nodes that execute contracts natively recognise it by hash.
func wasmModule(section, payload string) []byte {
	body := append([]byte{byte(len(section))}, section...)
	body = append(body, payload...)
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00, 0x00}
	e := ledger.NewEncoder()
	e.WriteVarUint32(uint32(len(body)))
	out = append(out, e.Bytes()...)
	return append(out, body...)
}

var (
	contractCode = wasmModule("npc.contract", "persona/1")
	registryCode = wasmModule("npc.contract", "registry/1")
)

// ContractCode is the code deployed to every persona account.
func ContractCode() []byte { return append([]byte(nil), contractCode...) }

// RegistryCode is the code deployed to the registry account.
func RegistryCode() []byte { return append([]byte(nil), registryCode...) }

// CodeHash is the hash a node reports for deployed code.
func CodeHash(code []byte) ledger.Checksum256 { return sha256.Sum256(code) }

// ABIJSONFor re-encodes abi for setabi.
func ABIJSONFor(abi *ledger.ABI) ([]byte, error) { return json.Marshal(abi) }
