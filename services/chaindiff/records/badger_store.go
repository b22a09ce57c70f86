// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/ChainDiff/pkg/logging"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/datatypes"
	badgerstore "github.com/AleutianAI/ChainDiff/services/chaindiff/storage/badger"
)

// Key layout:
//
//	p/<package hex>              -> datatypes.Package
//	v/<package hex>/<%010d ver>  -> datatypes.VersionRecord
//
// Zero-padded versions make prefix scans return records in version order.
const (
	packagePrefix = "p/"
	versionPrefix = "v/"
)

// putChunkSize is the number of records written per transaction before any
// ErrTxnTooBig splitting.
const putChunkSize = 128

// BadgerStore is a Store on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db     *badgerstore.DB
	logger *slog.Logger
}

// NewBadgerStore wraps an open database. The store owns db and closes it.
func NewBadgerStore(db *badgerstore.DB, logger *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, logger: logging.OrDefault(logger)}
}

// OpenBadgerStore opens the database described by cfg and wraps it.
func OpenBadgerStore(cfg badgerstore.Config, logger *slog.Logger) (*BadgerStore, error) {
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db, logger), nil
}

func versionKey(ref cachekey.PackageRef, version uint32) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", versionPrefix, ref.Hex(), version))
}

func versionScanPrefix(ref cachekey.PackageRef) []byte {
	return []byte(versionPrefix + ref.Hex() + "/")
}

func packageKey(ref cachekey.PackageRef) []byte {
	return []byte(packagePrefix + ref.Hex())
}

// GetVersion implements Store.
func (s *BadgerStore) GetVersion(ctx context.Context, ref cachekey.PackageRef, version uint32) (*datatypes.VersionRecord, error) {
	var rec datatypes.VersionRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey(ref, version))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &NotFoundError{PackageRef: ref.String(), Version: version}
	}
	if err != nil {
		return nil, fmt.Errorf("get version %d of %s: %w", version, ref, err)
	}
	return &rec, nil
}

// ListVersions implements Store.
func (s *BadgerStore) ListVersions(ctx context.Context, ref cachekey.PackageRef) ([]*datatypes.VersionRecord, error) {
	out := make([]*datatypes.VersionRecord, 0)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return badgerstore.ScanPrefix(txn, versionScanPrefix(ref), func(_, val []byte) error {
			var rec datatypes.VersionRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", ref, err)
	}
	return out, nil
}

// PutVersions implements Store.
//
// # Description
//
// Records are written in chunks. A chunk that exceeds Badger's transaction
// size limit is split in half and retried. Records whose (package, version)
// already exists are skipped, not overwritten.
func (s *BadgerStore) PutVersions(ctx context.Context, records []*datatypes.VersionRecord) (int, error) {
	type entry struct {
		key   []byte
		value []byte
	}
	entries := make([]entry, 0, len(records))
	for _, rec := range records {
		ref, err := cachekey.ParsePackageRef(rec.PackageIdentity)
		if err != nil {
			return 0, fmt.Errorf("put version %d: %w", rec.VersionNumber, err)
		}
		value, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("encode version %d of %s: %w", rec.VersionNumber, ref, err)
		}
		entries = append(entries, entry{key: versionKey(ref, rec.VersionNumber), value: value})
	}

	var putChunk func(chunk []entry) (int, error)
	putChunk = func(chunk []entry) (int, error) {
		var inserted int
		err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			inserted = 0
			for _, e := range chunk {
				_, err := txn.Get(e.key)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				if err := txn.Set(e.key, e.value); err != nil {
					return err
				}
				inserted++
			}
			return nil
		})
		if errors.Is(err, badger.ErrTxnTooBig) && len(chunk) > 1 {
			mid := len(chunk) / 2
			a, err := putChunk(chunk[:mid])
			if err != nil {
				return a, err
			}
			b, err := putChunk(chunk[mid:])
			return a + b, err
		}
		return inserted, err
	}

	total := 0
	for start := 0; start < len(entries); start += putChunkSize {
		end := min(start+putChunkSize, len(entries))
		n, err := putChunk(entries[start:end])
		total += n
		if err != nil {
			return total, fmt.Errorf("put versions: %w", err)
		}
	}
	s.logger.Debug("version records stored", "submitted", len(records), "inserted", total)
	return total, nil
}

// PutPackage implements Store.
func (s *BadgerStore) PutPackage(ctx context.Context, pkg *datatypes.Package) error {
	ref, err := cachekey.ParsePackageRef(pkg.PackageRef)
	if err != nil {
		return fmt.Errorf("put package: %w", err)
	}
	value, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("encode package %s: %w", ref, err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(packageKey(ref), value)
	})
}

// GetPackage implements Store.
func (s *BadgerStore) GetPackage(ctx context.Context, ref cachekey.PackageRef) (*datatypes.Package, error) {
	var pkg datatypes.Package
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(packageKey(ref))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &pkg)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &NotFoundError{PackageRef: ref.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("get package %s: %w", ref, err)
	}
	return &pkg, nil
}

// ListPackages implements Store.
func (s *BadgerStore) ListPackages(ctx context.Context) ([]*datatypes.Package, error) {
	out := make([]*datatypes.Package, 0)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return badgerstore.ScanPrefix(txn, []byte(packagePrefix), func(_, val []byte) error {
			var pkg datatypes.Package
			if err := json.Unmarshal(val, &pkg); err != nil {
				return err
			}
			out = append(out, &pkg)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
