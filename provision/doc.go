// Package provision creates persona accounts on the ledger.
//
// Provisioning is five independent transactions:
//
//  1. sysio::newaccount creates <base>.ai, owned by the persona key.
//  2. sysio::setcode and sysio::setabi deploy the persona contract.
//  3. sysio.roa::addpolicy grants the account a resource policy.
//  4. <registry>::addpersona lists the persona in the registry.
//  5. <persona>::initpersona anchors the initial state CID.
//
// The steps are not atomic as a group. Progress is recorded after every
// step so that a failed run can be resumed with Resume, which checks the
// ledger before executing each remaining step, or rolled back as far as
// possible with Compensate.
package provision
