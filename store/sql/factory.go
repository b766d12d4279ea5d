package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-tandas/core"
	"github.com/uptrace/bun"
)

// Store backs both the ledger and the saga record with one database.
type Store struct {
	*LedgerStore
	*SagaStore
}

type RepositoryFactory struct {
	db    *bun.DB
	store *Store
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStore(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStore(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStore resolves a *bun.DB from persistenceClient (a *bun.DB or anything
// exposing DB() *bun.DB) and wires the stores once.
func (f *RepositoryFactory) BuildStore(persistenceClient any) (core.Store, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.store != nil {
		return f.store, nil
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	ledger, err := NewLedgerStore(f.db)
	if err != nil {
		return nil, err
	}
	sagas, err := NewSagaStore(f.db)
	if err != nil {
		return nil, err
	}
	f.store = &Store{LedgerStore: ledger, SagaStore: sagas}
	return f.store, nil
}

func (f *RepositoryFactory) Store() *Store {
	if f == nil {
		return nil
	}
	return f.store
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
