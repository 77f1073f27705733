package storage

import (
	"context"

	"github.com/falk/nca-go/pkg/nca"
)

// OpenArchive fetches a content from the storage and decodes its header.
func OpenArchive(ctx context.Context, st Storage, id ContentID, ks nca.KeyStore, opts ...nca.Option) (*nca.Archive, error) {
	r, _, err := st.OpenContent(id)
	if err != nil {
		return nil, err
	}
	return nca.OpenArchive(ctx, r, ks, opts...)
}
