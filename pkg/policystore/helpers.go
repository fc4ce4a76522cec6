package policystore

import (
	"encoding/hex"
	"encoding/json"

	"github.com/hadijannat/TwinOps/pkg/contracts"
)

// unmarshalPolicy decodes the raw policy document JSON into p.
func unmarshalPolicy(payload []byte, p *contracts.Policy) error {
	return json.Unmarshal(payload, p)
}

// rawPolicyPayload decodes payload into a generic value so
// canonicalize.Transform re-serializes exactly the bytes the signer
// canonicalized, independent of struct field ordering.
func rawPolicyPayload(payload []byte) any {
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return json.RawMessage(payload)
	}
	return generic
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
