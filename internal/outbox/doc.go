// Package outbox implements the durable sync queue at the heart of fieldsync.
//
// Work records are captured locally, persisted before Enqueue returns, and
// delivered to the backend one at a time in (priority, creation) order. A
// record is removed only after the transport reports a confirmed receipt;
// transient failures back off per item, validation failures park the item for
// operator review, and a lost session locks the whole queue until Unlock
// re-verifies authentication.
package outbox
