// Package memory provides transactional in-memory job & agent stores on go-memdb.
package memory

import (
	"github.com/hashicorp/go-memdb"
)

const (
	jobsTable   = "jobs"
	agentsTable = "agents"
)

// NewDB creates the in-memory database holding the jobs and agents tables
func NewDB() (*memdb.MemDB, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable:   jobsTableSchema(),
			agentsTable: agentsTableSchema(),
		},
	}
	return memdb.NewMemDB(schema)
}

func jobsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: jobsTable,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"status": {
				Name:    "status",
				Indexer: &memdb.StringFieldIndex{Field: "Status"},
			},
			"agent_status": {
				Name:         "agent_status",
				AllowMissing: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "AgentID"},
						&memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
		},
	}
}

func agentsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: agentsTable,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"name_host": {
				Name:   "name_host",
				Unique: true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Name"},
						&memdb.StringFieldIndex{Field: "Hostname"},
					},
				},
			},
		},
	}
}
