package intent

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/erichecan/AIrest/pkg/contracts"
)

var (
	supportedDSL = mustConstraint("^1.0.0")
	legacyDSL    = mustConstraint("< 1.1.0")
)

func mustConstraint(c string) *semver.Constraints {
	out, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return out
}

// upgradePayload reads a payload written for dslVersion and rewrites it in
// the current shape. Payloads from 1.0.x used flat item_id, price and phone
// fields that 1.1 moved or renamed.
func upgradePayload(dslVersion string, t contracts.IntentType, payload json.RawMessage) (json.RawMessage, error) {
	if dslVersion == "" {
		return payload, nil
	}
	v, err := semver.NewVersion(dslVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid dsl_version %q: %w", dslVersion, err)
	}
	if !supportedDSL.Check(v) {
		return nil, fmt.Errorf("unsupported dsl_version %s", v)
	}
	if !legacyDSL.Check(v) {
		return payload, nil
	}

	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode legacy payload: %w", err)
	}
	if m == nil {
		return payload, nil
	}
	if id, ok := m["item_id"]; ok {
		if _, has := m["item_ref"]; !has {
			ref := map[string]any{"id": id}
			if name, ok := m["item_name"]; ok {
				ref["name"] = name
			}
			m["item_ref"] = ref
		}
		delete(m, "item_id")
		delete(m, "item_name")
	}
	if t == contracts.IntentItemPriceSet {
		if p, ok := m["price"]; ok {
			if _, has := m["new_price"]; !has {
				m["new_price"] = p
			}
			delete(m, "price")
		}
	}
	if t == contracts.IntentTransferRuleUpsert {
		if p, ok := m["phone"]; ok {
			if _, has := m["phone_number"]; !has {
				m["phone_number"] = p
			}
			delete(m, "phone")
		}
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode upgraded payload: %w", err)
	}
	return out, nil
}
