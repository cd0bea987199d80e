package ledgerstore

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/skillsync/internal/progress"
)

const ledgerSchemaURL = "https://schemas.skillsync.dev/ledger-file.json"

const ledgerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ledgers"],
  "properties": {
    "ledgers": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/ledger" }
    }
  },
  "$defs": {
    "ledger": {
      "type": "object",
      "required": ["version", "sources"],
      "properties": {
        "userId": { "type": "string" },
        "version": { "type": "integer", "minimum": 0 },
        "isDebug": { "type": "boolean" },
        "sources": {
          "type": ["object", "null"],
          "additionalProperties": { "$ref": "#/$defs/source" }
        }
      }
    },
    "source": {
      "type": "object",
      "properties": {
        "mapProgress": {
          "type": ["object", "null"],
          "additionalProperties": { "$ref": "#/$defs/map" }
        },
        "completedTags": {
          "type": ["object", "null"],
          "additionalProperties": { "type": "integer", "minimum": 0 }
        }
      }
    },
    "map": {
      "type": "object",
      "required": ["mapId"],
      "properties": {
        "mapId": { "type": "string" },
        "completionState": { "enum": ["", "notstarted", "inprogress", "completed"] },
        "activityState": {
          "type": ["object", "null"],
          "additionalProperties": {
            "type": "object",
            "required": ["activityId", "isCompleted"],
            "properties": {
              "activityId": { "type": "string" },
              "isCompleted": { "type": "boolean" },
              "headerId": { "type": "string" }
            }
          }
        }
      }
    }
  }
}`

var (
	ledgerSchemaOnce sync.Once
	ledgerSchema     *jsonschema.Schema
	ledgerSchemaErr  error
)

func compiledLedgerSchema() (*jsonschema.Schema, error) {
	ledgerSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ledgerSchemaJSON))
		if err != nil {
			ledgerSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(ledgerSchemaURL, doc); err != nil {
			ledgerSchemaErr = err
			return
		}
		ledgerSchema, ledgerSchemaErr = compiler.Compile(ledgerSchemaURL)
	})
	return ledgerSchema, ledgerSchemaErr
}

// ValidateLedgerFile checks a ledger file document against the embedded schema.
func ValidateLedgerFile(data []byte) error {
	schema, err := compiledLedgerSchema()
	if err != nil {
		return fmt.Errorf("compile ledger schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: ledger file is not valid json: %v", progress.ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: ledger file: %v", progress.ErrInvalidInput, err)
	}
	return nil
}
