package kv

import "github.com/marcopiovanello/engine-dispatch/server/internal"

// A download request together with its latest known state
type Entry struct {
	Request internal.DownloadRequest
	State   internal.DownloadState
}

// struct representing the current status of the Store
// used for serializaton/persistence reasons
type Session struct {
	Entries []Entry `json:"entries"`
}
