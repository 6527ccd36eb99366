// Package backend opens the record store selected on the command line.
package backend

import (
	"context"
	"fmt"

	"github.com/RaphaLefth/pillquest/errs"
	"github.com/RaphaLefth/pillquest/recordstore"
	"github.com/RaphaLefth/pillquest/recordstore/badgerstore"
	"github.com/RaphaLefth/pillquest/recordstore/firestorestore"

	"cloud.google.com/go/firestore"
)

const (
	KindBadger    = "badger"
	KindFirestore = "firestore"
)

type Config struct {
	Kind string

	// DataDir is the badger directory.
	DataDir string

	// Project is the GCP project holding the Firestore database.
	Project string

	// Collections is passed to the Firestore store for DropAll.
	Collections []*recordstore.Collection
}

func Open(ctx context.Context, cfg Config) (recordstore.Store, error) {
	switch cfg.Kind {
	case KindBadger, "":
		s, err := badgerstore.Open(badgerstore.Config{Dir: cfg.DataDir, SyncWrites: true})
		if err != nil {
			return nil, fmt.Errorf("while opening badger store: %w", err)
		}
		return s, nil
	case KindFirestore:
		client, err := firestore.NewClient(ctx, cfg.Project)
		if err != nil {
			return nil, errs.New(errs.KindStorageUnavailable, "while creating Firestore client", err)
		}
		return firestorestore.New(client, cfg.Collections...), nil
	default:
		return nil, errs.Newf(errs.KindValidation, "unknown store kind %q", cfg.Kind)
	}
}
