package models

import (
	"fmt"
	"time"
)

// Blob is a handle to bytes already committed to a file on a volume.
//
// A Blob does not know whether it is staged or mailbox-owned; that is a
// property of the directory tree its path lives under.
type Blob struct {
	Path     string `json:"path"`
	VolumeID int16  `json:"volume_id"`
	Size     int64  `json:"size"`
	Digest   string `json:"digest,omitempty"`
}

func (b Blob) String() string {
	return fmt.Sprintf("path=%s, vol=%d", b.Path, b.VolumeID)
}

// StagedBlob is a blob in the incoming staging area, not yet owned by any mailbox.
type StagedBlob struct {
	Blob
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Claimed   bool      `json:"claimed"`
}

// Identity names one revision of a mailbox item.
type Identity struct {
	MailboxID int64 `json:"mailbox_id"`
	ItemID    int64 `json:"item_id"`
	ModSeq    int64 `json:"mod_seq"`
	Revision  int64 `json:"revision"`
}

func (id Identity) String() string {
	return fmt.Sprintf("mbox=%d, item=%d, rev=%d", id.MailboxID, id.ItemID, id.Revision)
}

// MailboxBlob is a blob owned by one mailbox item revision.
type MailboxBlob struct {
	Blob
	Identity Identity `json:"identity"`
	// RelPath is the path relative to the owning volume root, as derived
	// from the identity.
	RelPath string `json:"rel_path"`
}

// Reference is the metadata record that marks a mailbox blob path as live.
type Reference struct {
	MailboxID int64     `json:"mailbox_id"`
	ItemID    int64     `json:"item_id"`
	Revision  int64     `json:"revision"`
	VolumeID  int16     `json:"volume_id"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	Digest    string    `json:"digest,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
