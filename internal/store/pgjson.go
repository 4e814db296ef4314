package store

import (
	"encoding/json"
	"fmt"

	"github.com/toolbroker/broker/pkg/types"
)

// marshalPolicyJSON encodes Policy.Conditions and Policy.Rules as the
// JSONB payloads stored in the policies table.
func marshalPolicyJSON(policy *types.Policy) (conditions, rules []byte, err error) {
	conditions, err = json.Marshal(policy.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("store: marshal conditions: %w", err)
	}
	rules, err = json.Marshal(policy.Rules)
	if err != nil {
		return nil, nil, fmt.Errorf("store: marshal rules: %w", err)
	}
	return conditions, rules, nil
}

func unmarshalPolicyJSON(policy *types.Policy, conditions, rules []byte) error {
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &policy.Conditions); err != nil {
			return fmt.Errorf("store: unmarshal conditions: %w", err)
		}
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &policy.Rules); err != nil {
			return fmt.Errorf("store: unmarshal rules: %w", err)
		}
	}
	return nil
}
