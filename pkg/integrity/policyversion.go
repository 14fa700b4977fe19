package integrity

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// PolicyVersionFloor rejects records evaluated under policy versions older
// than a configured minimum. This is an advisory gate, separate from the hard
// integrity checks: an outdated version means the record should be re-issued,
// not that it was tampered with.
type PolicyVersionFloor struct {
	min *semver.Version
}

// NewPolicyVersionFloor parses the minimum acceptable policy version.
func NewPolicyVersionFloor(minimum string) (*PolicyVersionFloor, error) {
	v, err := semver.NewVersion(minimum)
	if err != nil {
		return nil, fmt.Errorf("parse policy version floor %q: %w", minimum, err)
	}
	return &PolicyVersionFloor{min: v}, nil
}

// Check reports whether record's policy_version meets the floor. An
// unparseable version fails: a version the floor cannot compare cannot be
// proven current.
func (f *PolicyVersionFloor) Check(record DecisionRecord) error {
	raw, _ := record["policy_version"].(string)
	version, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("record %s: parse policy_version %q: %w", record.RecordID(), raw, err)
	}
	if version.LessThan(f.min) {
		return fmt.Errorf("record %s: policy_version %s is below minimum %s", record.RecordID(), version, f.min)
	}
	return nil
}
