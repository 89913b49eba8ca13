package domain

import "context"

// Collection names a record set in the durable store (one bbolt bucket each).
type Collection string

const (
	CollectionUploads Collection = "uploads"
	CollectionActions Collection = "actions"
	CollectionAssets  Collection = "assets"
)

// Collections lists every collection the store creates on open.
var Collections = []Collection{CollectionUploads, CollectionActions, CollectionAssets}

// Record is anything the store can upsert by its own primary key.
type Record interface {
	PrimaryKey() string
}

// AutoKeyed records receive their id from the store on insert.
type AutoKeyed interface {
	Record
	SetID(id uint64)
}

// UpdateFunc receives the current raw record (nil when absent) and returns the
// replacement. Returning (nil, nil) deletes the key.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the durable keyed store. Every method is atomic on its own;
// sequences of calls are not.
type Store interface {
	Get(ctx context.Context, c Collection, key string, dest any) (bool, error)
	Put(ctx context.Context, c Collection, rec Record) error
	Insert(ctx context.Context, c Collection, rec AutoKeyed) error
	Update(ctx context.Context, c Collection, key string, fn UpdateFunc) error
	Delete(ctx context.Context, c Collection, key string) error
	GetAll(ctx context.Context, c Collection, fn func(key string, value []byte) error) error
	Close() error
}
