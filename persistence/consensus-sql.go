/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package persistence

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql" // mysql:// consensus
	_ "github.com/lib/pq"              // postgres:// consensus
)

// SQLConsensus keeps the per-shard chain in one table:
//
//	CREATE TABLE consensus (
//	    shard    VARCHAR(64) NOT NULL,
//	    sequence BIGINT      NOT NULL,
//	    data     <bytes>     NOT NULL,
//	    PRIMARY KEY (shard, sequence)
//	)
//
// CompareAndSet inserts (shard, expected+1) guarded by a transaction that
// re-checks the head under SELECT ... FOR UPDATE; the primary key makes
// double-inserts impossible even across databases with weaker isolation.
type SQLConsensus struct {
	db      *sql.DB
	dialect string // "postgres" or "mysql"

	initOnce sync.Once
	initErr  error
}

// MaxConnections bounds the shared connection pool; the client sets this
// from its configuration before first use.
var MaxConnections = 50

func NewSQLConsensus(dialect string, dsn string) (*SQLConsensus, error) {
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(MaxConnections)
	return &SQLConsensus{db: db, dialect: dialect}, nil
}

func init() {
	RegisterConsensusScheme("postgres", func(u *url.URL) (Consensus, error) {
		return NewSQLConsensus("postgres", u.String())
	})
	RegisterConsensusScheme("mysql", func(u *url.URL) (Consensus, error) {
		// go-sql-driver DSNs have no scheme prefix
		dsn := strings.TrimPrefix(u.String(), "mysql://")
		return NewSQLConsensus("mysql", dsn)
	})
}

func (c *SQLConsensus) placeholder(n int) string {
	if c.dialect == "postgres" {
		switch n {
		case 1:
			return "$1"
		case 2:
			return "$2"
		case 3:
			return "$3"
		}
	}
	return "?"
}

func (c *SQLConsensus) ensureSchema(ctx context.Context) error {
	c.initOnce.Do(func() {
		blobType := "BYTEA"
		if c.dialect == "mysql" {
			blobType = "LONGBLOB"
		}
		_, c.initErr = c.db.ExecContext(ctx,
			"CREATE TABLE IF NOT EXISTS consensus ("+
				"shard VARCHAR(64) NOT NULL, "+
				"sequence BIGINT NOT NULL, "+
				"data "+blobType+" NOT NULL, "+
				"PRIMARY KEY (shard, sequence))")
	})
	return c.initErr
}

func (c *SQLConsensus) Head(ctx context.Context, shard string) (*VersionedData, error) {
	if err := c.ensureSchema(ctx); err != nil {
		return nil, err
	}
	row := c.db.QueryRowContext(ctx,
		"SELECT sequence, data FROM consensus WHERE shard = "+c.placeholder(1)+
			" ORDER BY sequence DESC LIMIT 1", shard)
	var v VersionedData
	if err := row.Scan(&v.SeqNo, &v.Data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (c *SQLConsensus) CompareAndSet(ctx context.Context, shard string, expected uint64, data []byte) (bool, *VersionedData, error) {
	if err := c.ensureSchema(ctx); err != nil {
		return false, nil, err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT sequence, data FROM consensus WHERE shard = "+c.placeholder(1)+
			" ORDER BY sequence DESC LIMIT 1 FOR UPDATE", shard)
	var head VersionedData
	var headSeq uint64
	haveHead := true
	if err := row.Scan(&head.SeqNo, &head.Data); err != nil {
		if err != sql.ErrNoRows {
			return false, nil, err
		}
		haveHead = false
	} else {
		headSeq = head.SeqNo
	}
	if headSeq != expected {
		if !haveHead {
			return false, nil, nil
		}
		return false, &head, nil
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO consensus (shard, sequence, data) VALUES ("+
			c.placeholder(1)+", "+c.placeholder(2)+", "+c.placeholder(3)+")",
		shard, expected+1, data); err != nil {
		// primary key conflict from a racing writer counts as a mismatch
		head, herr := c.Head(ctx, shard)
		if herr != nil {
			return false, nil, herr
		}
		return false, head, nil
	}
	if err := tx.Commit(); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

func (c *SQLConsensus) Scan(ctx context.Context, shard string, from uint64) ([]VersionedData, error) {
	if err := c.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		"SELECT sequence, data FROM consensus WHERE shard = "+c.placeholder(1)+
			" AND sequence >= "+c.placeholder(2)+" ORDER BY sequence ASC", shard, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VersionedData
	for rows.Next() {
		var v VersionedData
		if err := rows.Scan(&v.SeqNo, &v.Data); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (c *SQLConsensus) Truncate(ctx context.Context, shard string, before uint64) error {
	if err := c.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		"DELETE FROM consensus WHERE shard = "+c.placeholder(1)+
			" AND sequence < "+c.placeholder(2), shard, before)
	return err
}
