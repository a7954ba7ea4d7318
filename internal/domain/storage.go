package domain

import (
	"encoding/json"
	"time"
)

// StorageEntry is one key of an applet's key/value storage.
type StorageEntry struct {
	AppletID  string
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// AppletSecret stores an encrypted secret value.
type AppletSecret struct {
	AppletID  string
	Key       string
	Value     []byte
	UpdatedAt time.Time
}
