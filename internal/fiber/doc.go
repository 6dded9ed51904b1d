// Package fiber provides the execution substrate of a raft group.
//
// A Dispatcher runs posted callbacks one at a time, in posting order, on a
// single goroutine. Consensus state of a group is only touched from its
// dispatcher, so it needs no locks. Blocking work runs elsewhere and posts
// its continuation back. A Worker is a dispatcher whose jobs may block; the
// group uses one to keep its disk writes ordered. Future carries a result
// from the dispatcher to a waiting caller.
package fiber
