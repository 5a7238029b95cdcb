package mapsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// KVStore is the durable string key/value contract behind the persistence
// port. Values are JSON documents. Get returns ErrNotFound for absent keys.
type KVStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Close() error
}

const (
	queueStateKey    = "mapsync/queue"
	accountsStateKey = "mapsync/accounts"
	recordVersion    = 1
)

const queueRecordSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "entries"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"entries": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "mapName", "operation", "pending"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"mapName": {"type": "string", "minLength": 1},
					"operation": {"enum": ["create", "update", "delete"]},
					"document": {"type": "string"},
					"timestamp": {"type": "string"},
					"pending": {"type": "array", "items": {"type": "string", "minLength": 1}},
					"errors": {"type": "object", "additionalProperties": {"type": "string"}}
				}
			}
		}
	}
}`

const accountsRecordSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "accounts"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"accounts": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["providerId"],
				"properties": {
					"providerId": {"type": "string", "minLength": 1},
					"displayName": {"type": "string"},
					"metadata": {}
				}
			}
		}
	}
}`

type queueRecord struct {
	Version int          `json:"version"`
	Entries []QueueEntry `json:"entries"`
}

type accountsRecord struct {
	Version  int                        `json:"version"`
	Accounts map[string]ProviderAccount `json:"accounts"`
}

// Persister stores the queue and account records through a KVStore,
// validating every loaded record against its schema before decoding.
type Persister struct {
	kv             KVStore
	queueSchema    *jsonschema.Schema
	accountsSchema *jsonschema.Schema
}

func NewPersister(kv KVStore) (*Persister, error) {
	if kv == nil {
		return nil, ErrInvalidInput
	}
	compiler := jsonschema.NewCompiler()
	for name, raw := range map[string]string{
		"queue-record.json":    queueRecordSchema,
		"accounts-record.json": accountsRecordSchema,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	queueSchema, err := compiler.Compile("queue-record.json")
	if err != nil {
		return nil, fmt.Errorf("compile queue record schema: %w", err)
	}
	accountsSchema, err := compiler.Compile("accounts-record.json")
	if err != nil {
		return nil, fmt.Errorf("compile accounts record schema: %w", err)
	}
	return &Persister{kv: kv, queueSchema: queueSchema, accountsSchema: accountsSchema}, nil
}

func (p *Persister) SaveQueue(entries []QueueEntry) error {
	record := queueRecord{Version: recordVersion, Entries: entries}
	if record.Entries == nil {
		record.Entries = []QueueEntry{}
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return p.kv.Put(queueStateKey, data)
}

func (p *Persister) LoadQueue() ([]QueueEntry, error) {
	data, err := p.kv.Get(queueStateKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := p.validate(p.queueSchema, data); err != nil {
		return nil, fmt.Errorf("queue record: %w", err)
	}
	var record queueRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return record.Entries, nil
}

func (p *Persister) SaveAccounts(accounts map[string]*ProviderAccount) error {
	record := accountsRecord{Version: recordVersion, Accounts: map[string]ProviderAccount{}}
	for providerID, account := range accounts {
		if account == nil {
			continue
		}
		record.Accounts[providerID] = *account
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return p.kv.Put(accountsStateKey, data)
}

func (p *Persister) LoadAccounts() (map[string]*ProviderAccount, error) {
	data, err := p.kv.Get(accountsStateKey)
	if errors.Is(err, ErrNotFound) {
		return map[string]*ProviderAccount{}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := p.validate(p.accountsSchema, data); err != nil {
		return nil, fmt.Errorf("accounts record: %w", err)
	}
	var record accountsRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	accounts := make(map[string]*ProviderAccount, len(record.Accounts))
	for providerID, account := range record.Accounts {
		copied := account
		accounts[providerID] = &copied
	}
	return accounts, nil
}

func (p *Persister) Close() error {
	return p.kv.Close()
}

func (p *Persister) validate(schema *jsonschema.Schema, data []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

// sanitizeQueue intersects every entry's pending set with the providers that
// restored successfully and prunes entries left with no pending provider.
// Runs once at startup, before the first processing pass.
func sanitizeQueue(entries []QueueEntry, restored map[string]bool) []QueueEntry {
	kept := make([]QueueEntry, 0, len(entries))
	for _, entry := range entries {
		pending := entry.Pending[:0]
		for _, providerID := range entry.Pending {
			if restored[providerID] {
				pending = append(pending, providerID)
			}
		}
		entry.Pending = pending
		for providerID := range entry.Errors {
			if !restored[providerID] {
				delete(entry.Errors, providerID)
			}
		}
		if len(entry.Pending) > 0 {
			kept = append(kept, entry)
		}
	}
	return kept
}
