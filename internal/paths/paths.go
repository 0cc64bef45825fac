// Package paths derives the on-volume location of mailbox blobs.
//
// A mailbox blob lives at
//
//	<mailboxID >> MailboxBits>/<mailboxID>/msg/<itemID >> FileBits>/<itemID>-<revision>.msg
//
// relative to its volume root. Bucketing by numeric range bounds every
// directory to 2^bits entries. The layout is fixed for the life of a
// deployment: changing the bits requires relocating existing blobs.
package paths

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"mailstore/internal/blobstore"
)

const (
	DefaultMailboxBits = 12
	DefaultFileBits    = 12

	minBits = 1
	maxBits = 30

	blobExt = ".msg"
)

// Layout holds the bucketing parameters.
type Layout struct {
	MailboxBits int
	FileBits    int
}

// DefaultLayout returns the conservative default of 4096 entries per bucket.
func DefaultLayout() Layout {
	return Layout{MailboxBits: DefaultMailboxBits, FileBits: DefaultFileBits}
}

// Validate checks the bucketing parameters.
func (l Layout) Validate() error {
	if l.MailboxBits < minBits || l.MailboxBits > maxBits {
		return fmt.Errorf("mailbox_bits must be between %d and %d", minBits, maxBits)
	}
	if l.FileBits < minBits || l.FileBits > maxBits {
		return fmt.Errorf("file_bits must be between %d and %d", minBits, maxBits)
	}
	return nil
}

// Derive returns the slash-separated path of a mailbox blob relative to its
// volume root. modSeq is validated but does not take part in the path; the
// path must be reproducible from (mailbox, item, revision) alone.
func (l Layout) Derive(mailboxID, itemID, modSeq, revision int64) (string, error) {
	if err := l.Validate(); err != nil {
		return "", blobstore.NewError("derive", "", blobstore.ErrInvalidIdentity, err)
	}
	switch {
	case mailboxID < 0:
		return "", invalid("mailbox id", mailboxID)
	case itemID < 0:
		return "", invalid("item id", itemID)
	case modSeq < 0:
		return "", invalid("mod seq", modSeq)
	case revision < 0:
		return "", invalid("revision", revision)
	}

	var b strings.Builder
	b.Grow(48)
	b.WriteString(strconv.FormatInt(mailboxID>>l.MailboxBits, 10))
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(mailboxID, 10))
	b.WriteString("/msg/")
	b.WriteString(strconv.FormatInt(itemID>>l.FileBits, 10))
	b.WriteByte('/')
	b.WriteString(BlobName(itemID, revision))
	return b.String(), nil
}

// DerivePath joins the derived relative path onto volumeRoot.
func (l Layout) DerivePath(volumeRoot string, mailboxID, itemID, modSeq, revision int64) (string, error) {
	rel, err := l.Derive(mailboxID, itemID, modSeq, revision)
	if err != nil {
		return "", err
	}
	return filepath.Join(volumeRoot, filepath.FromSlash(rel)), nil
}

// BlobName returns the file name of one item revision.
func BlobName(itemID, revision int64) string {
	return strconv.FormatInt(itemID, 10) + "-" + strconv.FormatInt(revision, 10) + blobExt
}

// IsBlobName reports whether name (or the last element of a path) looks like
// a mailbox blob. Anything else under a volume root is left alone by sweeps.
func IsBlobName(name string) bool {
	name = path.Base(filepath.ToSlash(name))
	stem, ok := strings.CutSuffix(name, blobExt)
	if !ok {
		return false
	}
	item, rev, ok := strings.Cut(stem, "-")
	if !ok {
		return false
	}
	return isDigits(item) && isDigits(rev)
}

// IsTempName reports whether name is an in-flight or abandoned temp file.
func IsTempName(name string) bool {
	return strings.HasPrefix(path.Base(filepath.ToSlash(name)), blobstore.TempPrefix)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func invalid(field string, value int64) error {
	return blobstore.NewError("derive", "", blobstore.ErrInvalidIdentity, fmt.Errorf("%s must be >= 0, got %d", field, value))
}
