// Package blob keeps the raw bytes of uploaded documents.
package blob

import (
	"context"
	"errors"
)

var ErrNotExist = errors.New("blob does not exist")

// Store puts, reads and removes objects by key. Put of an existing key and
// Delete of a missing key both succeed.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DocumentKey is the object key of a document's original PDF.
func DocumentKey(documentID string) string {
	return "documents/" + documentID + ".pdf"
}
