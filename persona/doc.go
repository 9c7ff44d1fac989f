// Package persona describes the on-ledger side of a persona: the account
// naming rule, the contracts a persona touches (system, resource policy,
// registry and the persona contract itself), their ABIs, typed actions and
// table rows.
package persona
