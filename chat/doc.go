// Package chat keeps a local, optimistic view of a conversation with a
// persona in sync with the ledger.
//
// A sent message moves through Composed, Uploaded, Submitted and Pending,
// and finally Finalized once the persona's response appears in its
// messages table. Failed is terminal and reachable from every non-terminal
// state. Upload and submission failures retract the optimistic entry; poll
// failures leave it visible as Failed.
//
// By default every pending message gets its own poll task (TrackEach).
// TrackLatest keeps the older behaviour of a single tracking slot, where a
// new send abandons the previous message's poll.
package chat
