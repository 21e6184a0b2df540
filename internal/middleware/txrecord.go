package middleware

import (
	"encoding/json"
	"fmt"

	"github.com/corelay/corelay/pkg/core"
)

// Transaction records are persisted in the tx domain as ordinary documents
// whose payload attribute carries the canonical JSON form of the
// transaction. The model stage replays these records at boot and hashes the
// same serialization into its chain, so SerializeTx must stay deterministic
// (encoding/json orders map keys).

const (
	attrObjectSpace = "objectSpace"
	attrPayload     = "payload"
)

// SerializeTx returns the canonical byte form of a transaction.
func SerializeTx(tx *core.Tx) ([]byte, error) {
	return json.Marshal(tx)
}

// TxToDoc wraps a transaction into its stored record.
func TxToDoc(tx *core.Tx) (*core.Doc, error) {
	payload, err := SerializeTx(tx)
	if err != nil {
		return nil, err
	}
	return &core.Doc{
		ID:         tx.ID,
		Class:      core.ClassTx,
		Space:      core.SpaceTx,
		ModifiedBy: tx.Modifier,
		ModifiedOn: tx.ModifiedOn,
		CreatedBy:  tx.Modifier,
		CreatedOn:  tx.CreatedOn,
		Attributes: core.Attributes{
			attrObjectSpace: string(tx.ObjectSpace),
			attrPayload:     string(payload),
		},
	}, nil
}

// TxFromDoc unwraps a stored transaction record.
func TxFromDoc(doc *core.Doc) (*core.Tx, error) {
	payload, _ := doc.Attributes[attrPayload].(string)
	if payload == "" {
		return nil, fmt.Errorf("tx record %s has no payload", doc.ID)
	}
	var tx core.Tx
	if err := json.Unmarshal([]byte(payload), &tx); err != nil {
		return nil, fmt.Errorf("tx record %s: %w", doc.ID, err)
	}
	return &tx, nil
}
