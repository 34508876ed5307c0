// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package catalog persists checkpoint bookkeeping for durable relations:
// the latest checkpoint number reached and the CheckpointFileHeader
// recorded at each one, keyed by (datoid, relnode). This is the durable
// counterpart to o_update_latest_chkp_num: the distilled build contract
// treats checkpoint numbering as an opaque collaborator, but a real
// deployment needs it to survive a restart.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"k8s.io/klog/v2"

	"github.com/obtreedb/obtree/build"
	"github.com/obtreedb/obtree/tuple"
)

// RelationKey identifies one relation's checkpoint history.
type RelationKey struct {
	DatOID  uint64
	RelNode uint64
}

// Store is a MySQL-backed checkpoint catalog.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a github.com/go-sql-driver/mysql data source
// name) and returns a Store. Callers should call EnsureSchema once
// before first use against a fresh database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the catalog's tables if they do not already
// exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS obtree_latest_checkpoint (
			datoid BIGINT UNSIGNED NOT NULL,
			relnode BIGINT UNSIGNED NOT NULL,
			checkpoint_number BIGINT UNSIGNED NOT NULL,
			PRIMARY KEY (datoid, relnode)
		)`,
		`CREATE TABLE IF NOT EXISTS obtree_checkpoint_headers (
			datoid BIGINT UNSIGNED NOT NULL,
			relnode BIGINT UNSIGNED NOT NULL,
			checkpoint_number BIGINT UNSIGNED NOT NULL,
			root_downlink BIGINT UNSIGNED NOT NULL,
			datafile_length BIGINT UNSIGNED NOT NULL,
			num_free_blocks BIGINT UNSIGNED NOT NULL,
			leaf_pages_num BIGINT UNSIGNED NOT NULL,
			ctid_block INT UNSIGNED NOT NULL,
			ctid_offset SMALLINT UNSIGNED NOT NULL,
			bridge_ctid_block INT UNSIGNED NOT NULL,
			bridge_ctid_offset SMALLINT UNSIGNED NOT NULL,
			PRIMARY KEY (datoid, relnode, checkpoint_number)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: ensure schema: %w", err)
		}
	}
	return nil
}

// CurrentCheckpointNumber returns key's latest recorded checkpoint
// number, or 0 if none has been recorded yet.
func (s *Store) CurrentCheckpointNumber(ctx context.Context, key RelationKey) (uint64, error) {
	var num uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_number FROM obtree_latest_checkpoint WHERE datoid = ? AND relnode = ?`,
		key.DatOID, key.RelNode,
	).Scan(&num)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("catalog: current checkpoint number: %w", err)
	}
	return num, nil
}

// RecordLatestCheckpoint advances key's latest checkpoint number to num.
func (s *Store) RecordLatestCheckpoint(ctx context.Context, key RelationKey, num uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO obtree_latest_checkpoint (datoid, relnode, checkpoint_number)
		 VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE checkpoint_number = VALUES(checkpoint_number)`,
		key.DatOID, key.RelNode, num,
	)
	if err != nil {
		return fmt.Errorf("catalog: record latest checkpoint: %w", err)
	}
	klog.V(2).Infof("catalog: relation %+v latest checkpoint now %d", key, num)
	return nil
}

// RecordCheckpointHeader persists hdr as the file header recorded at
// checkpoint num for key.
func (s *Store) RecordCheckpointHeader(ctx context.Context, key RelationKey, num uint64, hdr *build.CheckpointFileHeader) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO obtree_checkpoint_headers
			(datoid, relnode, checkpoint_number, root_downlink, datafile_length,
			 num_free_blocks, leaf_pages_num, ctid_block, ctid_offset,
			 bridge_ctid_block, bridge_ctid_offset)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			root_downlink = VALUES(root_downlink),
			datafile_length = VALUES(datafile_length),
			num_free_blocks = VALUES(num_free_blocks),
			leaf_pages_num = VALUES(leaf_pages_num),
			ctid_block = VALUES(ctid_block),
			ctid_offset = VALUES(ctid_offset),
			bridge_ctid_block = VALUES(bridge_ctid_block),
			bridge_ctid_offset = VALUES(bridge_ctid_offset)`,
		key.DatOID, key.RelNode, num,
		hdr.RootDownlink, hdr.DatafileLength, hdr.NumFreeBlocks, hdr.LeafPagesNum,
		hdr.Ctid.BlockNumber, hdr.Ctid.OffsetNumber,
		hdr.BridgeCtid.BlockNumber, hdr.BridgeCtid.OffsetNumber,
	)
	if err != nil {
		return fmt.Errorf("catalog: record checkpoint header: %w", err)
	}
	return nil
}

// CheckpointHeader returns the file header recorded at checkpoint num
// for key.
func (s *Store) CheckpointHeader(ctx context.Context, key RelationKey, num uint64) (*build.CheckpointFileHeader, error) {
	hdr := &build.CheckpointFileHeader{}
	var ctidBlock, bridgeCtidBlock uint32
	var ctidOffset, bridgeCtidOffset uint16
	err := s.db.QueryRowContext(ctx,
		`SELECT root_downlink, datafile_length, num_free_blocks, leaf_pages_num,
		        ctid_block, ctid_offset, bridge_ctid_block, bridge_ctid_offset
		 FROM obtree_checkpoint_headers
		 WHERE datoid = ? AND relnode = ? AND checkpoint_number = ?`,
		key.DatOID, key.RelNode, num,
	).Scan(&hdr.RootDownlink, &hdr.DatafileLength, &hdr.NumFreeBlocks, &hdr.LeafPagesNum,
		&ctidBlock, &ctidOffset, &bridgeCtidBlock, &bridgeCtidOffset)
	if err != nil {
		return nil, fmt.Errorf("catalog: checkpoint header: %w", err)
	}
	hdr.Ctid = tuple.ItemPointer{BlockNumber: ctidBlock, OffsetNumber: ctidOffset}
	hdr.BridgeCtid = tuple.ItemPointer{BlockNumber: bridgeCtidBlock, OffsetNumber: bridgeCtidOffset}
	return hdr, nil
}

// RelationBroker adapts a Store to build.CheckpointBroker for one fixed
// relation, since the build package's collaborator interface carries no
// relation parameter of its own.
type RelationBroker struct {
	store *Store
	key   RelationKey
}

// NewRelationBroker returns a build.CheckpointBroker bound to key.
func NewRelationBroker(store *Store, key RelationKey) *RelationBroker {
	return &RelationBroker{store: store, key: key}
}

// CurrentCheckpointNumber implements build.CheckpointBroker.
func (b *RelationBroker) CurrentCheckpointNumber(ctx context.Context) (uint64, error) {
	return b.store.CurrentCheckpointNumber(ctx, b.key)
}

// RecordLatestCheckpoint implements build.CheckpointBroker.
func (b *RelationBroker) RecordLatestCheckpoint(ctx context.Context, num uint64) error {
	return b.store.RecordLatestCheckpoint(ctx, b.key, num)
}
